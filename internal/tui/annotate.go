package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/reflectchat/internal/session"
)

const annotateFieldCount = 6 // tag, excerpt, reasoning, next intent, comment, button

// annotateForm is the blocking reflection form. There is no cancel: the
// participant either saves a complete annotation or quits the program,
// and on the next start the gate is re-derived and the form reopens.
type annotateForm struct {
	messageID  string
	replyText  string
	focusIndex int

	tagType    string
	excerpt    string
	reasoning  string
	nextIntent string
	comment    string
	err        string
}

func newAnnotateForm(messageID, replyText string, existing session.Annotation) annotateForm {
	return annotateForm{
		messageID:  messageID,
		replyText:  replyText,
		tagType:    existing.TagType,
		excerpt:    existing.Excerpt,
		reasoning:  existing.Reasoning,
		nextIntent: existing.NextIntent,
		comment:    existing.Comment,
		focusIndex: 2, // start on the first required field
	}
}

func (f *annotateForm) field(idx int) *string {
	switch idx {
	case 0:
		return &f.tagType
	case 1:
		return &f.excerpt
	case 2:
		return &f.reasoning
	case 3:
		return &f.nextIntent
	case 4:
		return &f.comment
	}
	return nil
}

func (f annotateForm) fields() session.AnnotationFields {
	return session.AnnotationFields{
		TagType:    f.tagType,
		Excerpt:    f.excerpt,
		Reasoning:  f.reasoning,
		NextIntent: f.nextIntent,
		Comment:    f.comment,
	}
}

func (m model) updateAnnotate(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	f := &m.annotate
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "esc":
		// The form is mandatory; escape only clears the error line.
		f.err = ""
		return m, nil

	case "tab", "down":
		f.focusIndex = (f.focusIndex + 1) % annotateFieldCount
		return m, nil
	case "shift+tab", "up":
		f.focusIndex = (f.focusIndex + annotateFieldCount - 1) % annotateFieldCount
		return m, nil

	case "enter":
		if f.focusIndex < annotateFieldCount-1 {
			f.focusIndex++
			return m, nil
		}
		if strings.TrimSpace(f.reasoning) == "" || strings.TrimSpace(f.nextIntent) == "" {
			f.err = "Reasoning and next intent are required"
			return m, nil
		}
		f.err = ""
		return m, m.saveAnnotationCmd()

	case "backspace":
		if field := f.field(f.focusIndex); field != nil {
			*field = trimLastRune(*field)
		}
		return m, nil

	case " ":
		if field := f.field(f.focusIndex); field != nil {
			*field += " "
		}
		return m, nil

	default:
		if msg.Type == tea.KeyRunes {
			if field := f.field(f.focusIndex); field != nil {
				*field += string(msg.Runes)
			}
		}
		return m, nil
	}
}

func (m model) saveAnnotationCmd() tea.Cmd {
	c := m.opts.Controller
	f := m.annotate
	return func() tea.Msg {
		err := c.Annotations().Save(m.ctx, f.messageID, f.fields())
		return annotationSavedMsg{err: err}
	}
}

func (f annotateForm) view() string {
	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(1, 2).Width(72)
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	focus := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	mk := func(idx int) string {
		if f.focusIndex == idx {
			return focus.Render("▸ ")
		}
		return "  "
	}

	preview := f.replyText
	if r := []rune(preview); len(r) > 60 {
		preview = string(r[:60]) + "..."
	}

	var b strings.Builder
	b.WriteString(title.Render("Reflect on this reply before continuing") + "\n")
	b.WriteString(dim.Render("  \""+preview+"\"") + "\n\n")
	b.WriteString(mk(0) + "Tag (optional):      [ " + f.tagType + " ]\n")
	b.WriteString(mk(1) + "Excerpt (optional):  [ " + f.excerpt + " ]\n")
	b.WriteString(mk(2) + "Reasoning:           [ " + f.reasoning + " ]\n")
	b.WriteString(mk(3) + "Next intent:         [ " + f.nextIntent + " ]\n")
	b.WriteString(mk(4) + "Comment (optional):  [ " + f.comment + " ]\n\n")
	btn := "[ Save annotation ]"
	if f.focusIndex == annotateFieldCount-1 {
		btn = focus.Render(btn)
	}
	b.WriteString("  " + btn + dim.Render("  (required before your next message)") + "\n")
	if f.err != "" {
		b.WriteString("\n" + errS.Render("  ⚠ "+f.err))
	}
	return border.Render(b.String())
}
