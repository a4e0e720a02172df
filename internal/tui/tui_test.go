package tui

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/reflectchat/internal/replier"
	"github.com/basket/reflectchat/internal/session"
)

type memPersister struct{}

func (memPersister) SaveSessionDoc(context.Context, string, string) error { return nil }

type scriptedReplier struct {
	replies []string
}

func (r *scriptedReplier) Reply(context.Context, []replier.Turn) (string, error) {
	if len(r.replies) == 0 {
		return "ok", nil
	}
	next := r.replies[0]
	r.replies = r.replies[1:]
	return next, nil
}

func newTestModel(t *testing.T, ready bool, rep replier.Replier) model {
	t.Helper()
	c := session.NewController(session.New(), memPersister{}, nil, rep, nil, nil)
	if ready {
		err := c.SetParticipant(context.Background(),
			session.Participant{FirstName: "Ada", LastName: "Byron"},
			session.PreTask{Opening: "hi"})
		if err != nil {
			t.Fatalf("set participant: %v", err)
		}
	}
	return newModel(context.Background(), Options{Controller: c, ExportDir: t.TempDir()})
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func keyEnter() tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyEnter}
}

func keyBackspace() tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyBackspace}
}

// drive feeds a message through Update and, when a command is produced,
// executes it synchronously and feeds its result back.
func drive(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	updated, cmd := m.Update(msg)
	next, ok := updated.(model)
	if !ok {
		t.Fatalf("Update returned %T", updated)
	}
	if cmd == nil {
		return next
	}
	out := cmd()
	if batch, ok := out.(tea.BatchMsg); ok {
		for _, sub := range batch {
			if sub == nil {
				continue
			}
			next = feedResult(t, next, sub())
		}
		return next
	}
	return feedResult(t, next, out)
}

func feedResult(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	switch msg.(type) {
	case welcomeDoneMsg, submitDoneMsg, annotationSavedMsg, exportDoneMsg:
		return drive(t, m, msg)
	}
	return m
}

func TestNewModel_PhaseSelection(t *testing.T) {
	m := newTestModel(t, false, &scriptedReplier{})
	if m.phase != phaseWelcome {
		t.Fatalf("phase = %d, want welcome", m.phase)
	}

	m = newTestModel(t, true, &scriptedReplier{})
	if m.phase != phaseChat {
		t.Fatalf("phase = %d, want chat", m.phase)
	}
}

func TestChat_SubmitEntersBlockingAnnotation(t *testing.T) {
	m := newTestModel(t, true, &scriptedReplier{replies: []string{"a reply"}})

	m = drive(t, m, keyRunes("What did you shade?"))
	if string(m.input) != "What did you shade?" {
		t.Fatalf("input = %q", string(m.input))
	}
	m = drive(t, m, keyEnter())

	if m.phase != phaseAnnotate {
		t.Fatalf("phase = %d, want annotate after reply", m.phase)
	}
	if len(m.snap.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(m.snap.Messages))
	}
	if m.annotate.messageID != m.snap.Messages[1].ID {
		t.Fatalf("annotate target = %q, want %q", m.annotate.messageID, m.snap.Messages[1].ID)
	}
}

func TestAnnotate_RejectsIncompleteThenSaves(t *testing.T) {
	m := newTestModel(t, true, &scriptedReplier{replies: []string{"a reply"}})
	m = drive(t, m, keyRunes("hello"))
	m = drive(t, m, keyEnter())
	if m.phase != phaseAnnotate {
		t.Fatalf("phase = %d, want annotate", m.phase)
	}

	// Jump to the save button with everything still empty.
	m.annotate.focusIndex = annotateFieldCount - 1
	m = drive(t, m, keyEnter())
	if m.phase != phaseAnnotate || m.annotate.err == "" {
		t.Fatalf("incomplete save: phase=%d err=%q, want blocked with error", m.phase, m.annotate.err)
	}

	m.annotate.focusIndex = 2
	m = drive(t, m, keyRunes("counts pieces"))
	m = drive(t, m, keyEnter()) // advance to next intent
	m = drive(t, m, keyRunes("ask about denominator"))
	m.annotate.focusIndex = annotateFieldCount - 1
	m = drive(t, m, keyEnter())

	if m.phase != phaseChat {
		t.Fatalf("phase = %d, want chat after save", m.phase)
	}
	if gate := m.opts.Controller.Gate(); gate.Required {
		t.Fatalf("gate still pending after save: %+v", gate)
	}
}

func TestWelcome_CollectsFieldsAndAutoSendsOpening(t *testing.T) {
	m := newTestModel(t, false, &scriptedReplier{replies: []string{"hi there"}})

	m = drive(t, m, keyRunes("Ada"))
	m = drive(t, m, keyEnter()) // to last name
	m = drive(t, m, keyRunes("Byron"))
	m = drive(t, m, keyEnter()) // to focus
	m = drive(t, m, keyRunes("fractions"))
	m = drive(t, m, keyEnter()) // to opening
	m = drive(t, m, keyRunes("What did you shade?"))
	m = drive(t, m, keyEnter()) // to button
	m = drive(t, m, keyEnter()) // submit

	if len(m.snap.Messages) != 2 {
		t.Fatalf("messages = %d, want opening + reply", len(m.snap.Messages))
	}
	if m.snap.Messages[0].Text != "What did you shade?" {
		t.Fatalf("opening message = %q", m.snap.Messages[0].Text)
	}
	if m.phase != phaseAnnotate {
		t.Fatalf("phase = %d, want annotate (reply gated)", m.phase)
	}
}

func TestWelcome_RequiresNames(t *testing.T) {
	m := newTestModel(t, false, &scriptedReplier{})
	m.welcome.focusIndex = welcomeFieldCount - 1
	m = drive(t, m, keyEnter())
	if m.phase != phaseWelcome || m.welcome.err == "" {
		t.Fatalf("phase=%d err=%q, want blocked welcome", m.phase, m.welcome.err)
	}
}

func TestWelcome_BackspaceDeletesWholeRune(t *testing.T) {
	m := newTestModel(t, false, &scriptedReplier{})
	m = drive(t, m, keyRunes("Renée"))
	m = drive(t, m, keyBackspace())
	if m.welcome.firstName != "René" {
		t.Fatalf("first name = %q, want %q", m.welcome.firstName, "René")
	}
	if !utf8.ValidString(m.welcome.firstName) {
		t.Fatalf("first name is not valid UTF-8: %q", m.welcome.firstName)
	}
	// Deleting through the multibyte rune leaves the field empty.
	for i := 0; i < 4; i++ {
		m = drive(t, m, keyBackspace())
	}
	if m.welcome.firstName != "" {
		t.Fatalf("first name = %q after clearing, want empty", m.welcome.firstName)
	}
	m = drive(t, m, keyBackspace())
	if m.welcome.firstName != "" {
		t.Fatalf("backspace on empty field = %q, want empty", m.welcome.firstName)
	}
}

func TestAnnotate_BackspaceDeletesWholeRune(t *testing.T) {
	m := newTestModel(t, true, &scriptedReplier{replies: []string{"a reply"}})
	m = drive(t, m, keyRunes("hello"))
	m = drive(t, m, keyEnter())
	if m.phase != phaseAnnotate {
		t.Fatalf("phase = %d, want annotate", m.phase)
	}

	m.annotate.focusIndex = 2
	m = drive(t, m, keyRunes("naïve"))
	m = drive(t, m, keyBackspace())
	if m.annotate.reasoning != "naïv" {
		t.Fatalf("reasoning = %q, want %q", m.annotate.reasoning, "naïv")
	}
	if !utf8.ValidString(m.annotate.reasoning) {
		t.Fatalf("reasoning is not valid UTF-8: %q", m.annotate.reasoning)
	}
}

func TestAnnotate_PreviewTruncatesOnRuneBoundary(t *testing.T) {
	f := annotateForm{replyText: strings.Repeat("é", 70)}
	out := f.view()
	if !utf8.ValidString(out) {
		t.Fatal("annotation view contains a split rune")
	}
	if !strings.Contains(out, "...") {
		t.Fatal("long reply preview was not truncated")
	}
}
