package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/agentchat/internal/models"
	"github.com/charmbracelet/lipgloss"
)

var (
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	agentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)
)

// printer writes timeline changes to the terminal. Each message is printed once when it appears, and again
// when it fails to confirm. The server copy of a message the user typed is not printed again.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	printed map[string]models.Status
	// echoed counts pending user messages by content that are still waiting for their server copy.
	echoed map[string]int
}

func newPrinter(out, errOut io.Writer) *printer {
	return &printer{
		out:     out,
		errOut:  errOut,
		printed: make(map[string]models.Status),
		echoed:  make(map[string]int),
	}
}

// render is the view's change callback.
func (p *printer) render(msgs []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range msgs {
		status, seen := p.printed[m.ID]
		p.printed[m.ID] = m.Status
		if seen && (status == m.Status || m.Status != models.StatusFailed) {
			continue
		}

		switch {
		case !seen && m.Pending():
			p.echoed[m.Content]++
		case !seen && m.Role == models.RoleUser && m.Status == "" && p.echoed[m.Content] > 0:
			p.echoed[m.Content]--
			continue
		}
		fmt.Fprintln(p.out, formatMessage(m))
	}
}

// reset forgets what was printed, for when the view switches to another session.
func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = make(map[string]models.Status)
	p.echoed = make(map[string]int)
}

// Notify implements handlers.Notifier.
func (p *printer) Notify(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.errOut, systemStyle.Render("! "+message))
}

func (p *printer) info(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, headerStyle.Render(fmt.Sprintf(format, args...)))
}

func formatMessage(m models.Message) string {
	var b strings.Builder

	switch {
	case m.Status == models.StatusError:
		b.WriteString(systemStyle.Render(m.Agent + " ›"))
	case m.Role == models.RoleUser:
		b.WriteString(userStyle.Render("you ›"))
	default:
		b.WriteString(agentStyle.Render(m.Agent + " ›"))
	}
	b.WriteString(" ")
	b.WriteString(m.Content)

	switch m.Status {
	case models.StatusPending:
		b.WriteString(" " + pendingStyle.Render("(sending)"))
	case models.StatusFailed:
		b.WriteString(" " + failedStyle.Render("(failed to confirm)"))
	}

	for _, src := range m.Sources {
		b.WriteString("\n  ")
		b.WriteString(sourceStyle.Render(fmt.Sprintf("[%s] %s (%s) %s", src.ID, src.Title, src.Domain, src.URL)))
	}
	return b.String()
}
