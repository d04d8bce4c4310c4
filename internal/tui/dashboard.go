package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/pipelined/internal/queuestore"
)

// Snapshot is one poll of the Queue Store's state, rendered read-only by the
// operator dashboard.
type Snapshot struct {
	Stats      queuestore.Stats
	RunStats   queuestore.RunStats
	Active     []queuestore.Task
	DeadLetter []queuestore.Task
	LastError  string
	Uptime     time.Duration
}

// StatusProvider polls the Queue Store and returns the latest Snapshot.
type StatusProvider func() Snapshot

// RequeueFunc moves a dead-letter task back to its mode's initial status.
// The dashboard calls the same function the HTTP requeue endpoint calls, so
// the two surfaces never disagree about what requeue means.
type RequeueFunc func(ctx context.Context, taskID int64) error

type dashboard struct {
	provider StatusProvider
	requeue  RequeueFunc
	snap     Snapshot
	cursor   int
	status   string
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboard) Init() tea.Cmd {
	return tickCmd()
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down", "j":
			if m.cursor < len(m.snap.DeadLetter)-1 {
				m.cursor++
			}
			return m, nil
		case "r":
			if m.cursor >= len(m.snap.DeadLetter) {
				return m, nil
			}
			task := m.snap.DeadLetter[m.cursor]
			if m.requeue == nil {
				return m, nil
			}
			if err := m.requeue(context.Background(), task.ID); err != nil {
				m.status = humanError(err)
			} else {
				m.status = fmt.Sprintf("requeued task %d", task.ID)
			}
			return m, nil
		}
	case tickMsg:
		m.snap = m.provider()
		if m.cursor >= len(m.snap.DeadLetter) {
			m.cursor = len(m.snap.DeadLetter) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m dashboard) View() string {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selected := lipgloss.NewStyle().Foreground(lipgloss.Color("212"))

	var b strings.Builder
	b.WriteString(header.Render("Pipeline Status") + "\n\n")
	b.WriteString(fmt.Sprintf(
		"Tasks: %d total, %d active, %d merged, %d failed\n",
		m.snap.Stats.Total, m.snap.Stats.Active, m.snap.Stats.Merged, m.snap.Stats.Failed,
	))
	b.WriteString(fmt.Sprintf(
		"Runs: %d total, %d done, %d failed, %d running, avg %.1fs, %d bytes out\n\n",
		m.snap.RunStats.Total, m.snap.RunStats.Done, m.snap.RunStats.Failed,
		m.snap.RunStats.Running, m.snap.RunStats.AvgDurationS, m.snap.RunStats.TotalBytesOut,
	))

	b.WriteString(header.Render("Active Tasks") + "\n")
	if len(m.snap.Active) == 0 {
		b.WriteString(dim.Render("(none)") + "\n")
	} else {
		b.WriteString(dim.Render(fmt.Sprintf("%-6s %-18s %-8s %s", "ID", "STATUS", "ATTEMPT", "TITLE")) + "\n")
		for _, t := range m.snap.Active {
			b.WriteString(fmt.Sprintf("%-6d %-18s %-8s %s\n", t.ID, t.Status, fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts), t.Title))
		}
	}
	b.WriteString("\n")

	b.WriteString(header.Render("Dead Letter (j/k to move, r to requeue)") + "\n")
	if len(m.snap.DeadLetter) == 0 {
		b.WriteString(dim.Render("(none)") + "\n")
	} else {
		for i, t := range m.snap.DeadLetter {
			line := fmt.Sprintf("%-6d %-8s %s", t.ID, fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts), t.Title)
			if i == m.cursor {
				b.WriteString(selected.Render("> "+line) + "\n")
			} else {
				b.WriteString("  " + line + "\n")
			}
		}
	}

	if m.status != "" {
		b.WriteString("\n" + dim.Render(m.status) + "\n")
	}
	if m.snap.LastError != "" {
		b.WriteString(dim.Render("last error: "+m.snap.LastError) + "\n")
	}
	b.WriteString(dim.Render(fmt.Sprintf("\nuptime %s, press q to quit", m.snap.Uptime.Truncate(time.Second))) + "\n")
	return b.String()
}

// Run starts the dashboard and blocks until the context is cancelled or the
// operator quits.
func Run(ctx context.Context, provider StatusProvider, requeue RequeueFunc) error {
	defer bestEffortResetTTY()

	m := dashboard{provider: provider, requeue: requeue, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
