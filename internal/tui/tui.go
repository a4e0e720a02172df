// Package tui is the participant-facing terminal surface. It is a pure
// consumer of session state: every keystroke becomes an intent handed to
// the controller, and the view renders from the latest snapshot. The
// annotation flow is blocking; while the gate is pending the chat input
// does not exist.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/reflectchat/internal/queue"
	"github.com/basket/reflectchat/internal/session"
)

type phase int

const (
	phaseWelcome phase = iota
	phaseChat
	phaseAnnotate
)

// Options holds the dependencies for the participant TUI.
type Options struct {
	Controller *session.Controller
	Queue      *queue.Queue // optional, used for the status bar
	ExportDir  string
	Logger     *slog.Logger
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

type welcomeDoneMsg struct{ err error }

type submitDoneMsg struct {
	accepted bool
	err      error
}

type annotationSavedMsg struct{ err error }

type exportDoneMsg struct {
	txtPath  string
	jsonPath string
	err      error
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type model struct {
	ctx  context.Context
	opts Options

	phase  phase
	width  int
	height int

	welcome  welcomeForm
	annotate annotateForm

	snap       session.Session
	thinking   bool
	spinnerIdx int
	status     string

	input  []rune
	cursor int
}

// Run starts the TUI and blocks until the participant quits.
func Run(ctx context.Context, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := newModel(ctx, opts)

	defer bestEffortResetTTY()
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func newModel(ctx context.Context, opts Options) model {
	m := model{
		ctx:     ctx,
		opts:    opts,
		welcome: newWelcomeForm(),
	}
	m.refresh()
	if opts.Controller.Ready() {
		m.phase = phaseChat
		m.enterAnnotateIfGated()
	}
	return m
}

// refresh pulls the latest snapshot from the controller.
func (m *model) refresh() {
	m.snap = m.opts.Controller.Snapshot()
}

// enterAnnotateIfGated switches into the blocking annotation flow when the
// derived gate is pending. This is the only way phaseAnnotate is entered.
func (m *model) enterAnnotateIfGated() {
	gate := m.opts.Controller.Gate()
	if !gate.Required {
		return
	}
	existing, err := m.opts.Controller.Annotations().Open(gate.PendingID)
	if err != nil {
		m.status = err.Error()
		return
	}
	target, _ := m.snap.MessageByID(gate.PendingID)
	m.annotate = newAnnotateForm(gate.PendingID, target.Text, existing)
	m.phase = phaseAnnotate
}

func (m model) Init() tea.Cmd {
	return waitCtxDone(m.ctx)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func spinnerTickCmd() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinnerTickMsg:
		if !m.thinking {
			return m, nil
		}
		m.spinnerIdx = (m.spinnerIdx + 1) % len(spinnerFrames)
		return m, spinnerTickCmd()

	case welcomeDoneMsg:
		m.thinking = false
		m.refresh()
		if msg.err != nil {
			m.status = msg.err.Error()
			m.phase = phaseWelcome
			return m, nil
		}
		m.phase = phaseChat
		m.enterAnnotateIfGated()
		return m, nil

	case submitDoneMsg:
		m.thinking = false
		m.refresh()
		if msg.err != nil {
			m.status = msg.err.Error()
			return m, nil
		}
		if msg.accepted {
			m.enterAnnotateIfGated()
		}
		return m, nil

	case annotationSavedMsg:
		m.refresh()
		if msg.err != nil {
			m.annotate.err = msg.err.Error()
			return m, nil
		}
		m.phase = phaseChat
		m.status = ""
		return m, nil

	case exportDoneMsg:
		if msg.err != nil {
			m.status = "export failed: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("exported %s and %s", msg.txtPath, msg.jsonPath)
		}
		return m, nil

	case tea.KeyMsg:
		switch m.phase {
		case phaseWelcome:
			return m.updateWelcome(msg)
		case phaseAnnotate:
			return m.updateAnnotate(msg)
		default:
			return m.updateChat(msg)
		}
	}
	return m, nil
}

func (m model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter", "ctrl+m", "ctrl+j":
		if m.thinking {
			return m, nil
		}
		line := strings.TrimSpace(string(m.input))
		m.input = nil
		m.cursor = 0
		if line == "" {
			return m, nil
		}
		if strings.HasPrefix(line, "/") {
			return m.handleCommand(line)
		}
		m.thinking = true
		m.status = ""
		return m, tea.Batch(m.submitCmd(line), spinnerTickCmd())

	case "backspace":
		if m.cursor > 0 {
			m.input = append(m.input[:m.cursor-1], m.input[m.cursor:]...)
			m.cursor--
		}
		return m, nil
	case "left":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	case "home", "ctrl+a":
		m.cursor = 0
		return m, nil
	case "end", "ctrl+e":
		m.cursor = len(m.input)
		return m, nil
	case " ":
		m.input = insertRunes(m.input, m.cursor, []rune{' '})
		m.cursor++
		return m, nil

	default:
		if msg.Type == tea.KeyRunes {
			m.input = insertRunes(m.input, m.cursor, msg.Runes)
			m.cursor += len(msg.Runes)
		}
		return m, nil
	}
}

func (m model) handleCommand(line string) (tea.Model, tea.Cmd) {
	switch line {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/export":
		return m, m.exportCmd()
	case "/help":
		m.status = "commands: /export  /quit"
		return m, nil
	default:
		m.status = fmt.Sprintf("unknown command %s (try /help)", line)
		return m, nil
	}
}

func (m model) submitCmd(text string) tea.Cmd {
	c := m.opts.Controller
	return func() tea.Msg {
		accepted, err := c.TrySubmit(m.ctx, text)
		return submitDoneMsg{accepted: accepted, err: err}
	}
}

func (m model) exportCmd() tea.Cmd {
	c := m.opts.Controller
	dir := m.opts.ExportDir
	return func() tea.Msg {
		txt, js, err := c.Export(m.ctx, dir)
		return exportDoneMsg{txtPath: txt, jsonPath: js, err: err}
	}
}

func (m model) View() string {
	switch m.phase {
	case phaseWelcome:
		return m.welcome.view(m.status)
	case phaseAnnotate:
		return m.viewTranscript() + "\n" + m.annotate.view()
	default:
		return m.viewTranscript() + "\n" + m.viewInput() + "\n" + m.viewStatus()
	}
}

var (
	youStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	partnerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (m model) viewTranscript() string {
	var b strings.Builder
	for _, msg := range m.snap.Messages {
		if msg.Role == session.RoleParticipant {
			b.WriteString(youStyle.Render("You: ") + msg.Text + "\n")
		} else {
			marker := ""
			if _, ok := m.snap.Annotations[msg.ID]; ok {
				marker = dimStyle.Render("  ✓ annotated")
			}
			b.WriteString(partnerStyle.Render("Partner: ") + msg.Text + marker + "\n")
		}
	}
	if m.thinking {
		b.WriteString(dimStyle.Render(spinnerFrames[m.spinnerIdx] + " waiting for reply...\n"))
	}
	return b.String()
}

func (m model) viewInput() string {
	prompt := "> "
	line := string(m.input)
	return prompt + line
}

func (m model) viewStatus() string {
	parts := []string{fmt.Sprintf("session %.8s", m.snap.SessionID)}
	if m.opts.Queue != nil {
		parts = append(parts, fmt.Sprintf("%d events queued", m.opts.Queue.Len()))
	}
	if m.status != "" {
		parts = append(parts, errStyle.Render(m.status))
	}
	return dimStyle.Render(strings.Join(parts, "  ·  "))
}

func insertRunes(input []rune, at int, rs []rune) []rune {
	out := make([]rune, 0, len(input)+len(rs))
	out = append(out, input[:at]...)
	out = append(out, rs...)
	out = append(out, input[at:]...)
	return out
}
