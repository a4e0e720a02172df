package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/reflectchat/internal/session"
)

const welcomeFieldCount = 5 // first name, last name, focus, opening, button

// welcomeForm collects the participant record and the two pre-task
// prompts before the conversation starts. The opening answer is sent as
// the first utterance automatically.
type welcomeForm struct {
	focusIndex int
	firstName  string
	lastName   string
	focus      string
	opening    string
	err        string
}

func newWelcomeForm() welcomeForm {
	return welcomeForm{}
}

func (f *welcomeForm) field(idx int) *string {
	switch idx {
	case 0:
		return &f.firstName
	case 1:
		return &f.lastName
	case 2:
		return &f.focus
	case 3:
		return &f.opening
	}
	return nil
}

func (m model) updateWelcome(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	f := &m.welcome
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "tab", "down":
		f.focusIndex = (f.focusIndex + 1) % welcomeFieldCount
		return m, nil
	case "shift+tab", "up":
		f.focusIndex = (f.focusIndex + welcomeFieldCount - 1) % welcomeFieldCount
		return m, nil

	case "enter":
		if f.focusIndex < welcomeFieldCount-1 {
			f.focusIndex++
			return m, nil
		}
		if strings.TrimSpace(f.firstName) == "" || strings.TrimSpace(f.lastName) == "" {
			f.err = "First and last name are required"
			return m, nil
		}
		if strings.TrimSpace(f.opening) == "" {
			f.err = "The opening message is required"
			return m, nil
		}
		f.err = ""
		m.thinking = true
		return m, tea.Batch(m.welcomeCmd(), spinnerTickCmd())

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

// trimLastRune removes the final rune, not the final byte, so deleting
// multibyte input never leaves a broken sequence behind.
func trimLastRune(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	return string(r[:len(r)-1])
}

// welcomeCmd records the participant and sends the opening utterance as
// the first message of the conversation.
func (m model) welcomeCmd() tea.Cmd {
	c := m.opts.Controller
	f := m.welcome
	return func() tea.Msg {
		err := c.SetParticipant(m.ctx,
			session.Participant{FirstName: f.firstName, LastName: f.lastName},
			session.PreTask{Focus: f.focus, Opening: f.opening},
		)
		if err != nil {
			return welcomeDoneMsg{err: err}
		}
		if _, err := c.TrySubmit(m.ctx, f.opening); err != nil {
			return welcomeDoneMsg{err: err}
		}
		return welcomeDoneMsg{}
	}
}

func (f welcomeForm) view(status string) string {
	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(1, 2).Width(64)
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

	var b strings.Builder
	b.WriteString(title.Render("Before you start") + "\n\n")
	b.WriteString(mk(0) + "First name: [ " + f.firstName + " ]\n")
	b.WriteString(mk(1) + "Last name:  [ " + f.lastName + " ]\n\n")
	b.WriteString(dim.Render("  What will you pay attention to in this conversation?") + "\n")
	b.WriteString(mk(2) + "[ " + f.focus + " ]\n\n")
	b.WriteString(dim.Render("  What will you say first? This is sent as your opening message.") + "\n")
	b.WriteString(mk(3) + "[ " + f.opening + " ]\n\n")
	btn := "[ Start conversation ]"
	if f.focusIndex == 4 {
		btn = focus.Render(btn)
	}
	b.WriteString("  " + btn + dim.Render("  (Tab to move between fields)") + "\n")
	if f.err != "" {
		b.WriteString("\n" + errS.Render("  ⚠ "+f.err))
	}
	if status != "" {
		b.WriteString("\n" + errS.Render("  "+status))
	}
	return border.Render(b.String())
}
