package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/pipelined/internal/queuestore"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Stats:    queuestore.Stats{Total: 3, Active: 1, Merged: 1, Failed: 1},
		RunStats: queuestore.RunStats{Total: 2, Done: 1, Failed: 1},
		Active:   []queuestore.Task{{ID: 1, Title: "a", Status: "in_progress", Attempt: 1, MaxAttempts: 3}},
		DeadLetter: []queuestore.Task{
			{ID: 2, Title: "b", Status: "dead_letter", Attempt: 3, MaxAttempts: 3},
			{ID: 3, Title: "c", Status: "dead_letter", Attempt: 3, MaxAttempts: 3},
		},
	}
}

func TestDashboardCursorMovement(t *testing.T) {
	m := dashboard{provider: testSnapshot, snap: testSnapshot()}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	d := next.(dashboard)
	if d.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", d.cursor)
	}

	next, _ = d.Update(tea.KeyMsg{Type: tea.KeyDown})
	d = next.(dashboard)
	if d.cursor != 1 {
		t.Fatalf("cursor should clamp at last index, got %d", d.cursor)
	}

	next, _ = d.Update(tea.KeyMsg{Type: tea.KeyUp})
	d = next.(dashboard)
	if d.cursor != 0 {
		t.Fatalf("cursor = %d, want 0", d.cursor)
	}
}

func TestDashboardRequeueCallsFunc(t *testing.T) {
	var gotID int64
	m := dashboard{
		provider: testSnapshot,
		snap:     testSnapshot(),
		requeue: func(ctx context.Context, id int64) error {
			gotID = id
			return nil
		},
	}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	d := next.(dashboard)
	if gotID != 2 {
		t.Fatalf("requeued id = %d, want 2", gotID)
	}
	if d.status == "" {
		t.Fatal("expected status message after requeue")
	}
}

func TestDashboardRequeueFailureSetsStatus(t *testing.T) {
	m := dashboard{
		provider: testSnapshot,
		snap:     testSnapshot(),
		requeue: func(ctx context.Context, id int64) error {
			return errors.New("queuestore: requeue dead letter: task not found")
		},
	}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	d := next.(dashboard)
	if d.status != "Task not found" {
		t.Fatalf("status = %q, want %q", d.status, "Task not found")
	}
}

func TestDashboardQuit(t *testing.T) {
	m := dashboard{provider: testSnapshot, snap: testSnapshot()}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
}

func TestDashboardViewRendersTasks(t *testing.T) {
	m := dashboard{provider: testSnapshot, snap: testSnapshot()}
	view := m.View()
	if view == "" {
		t.Fatal("expected non-empty view")
	}
}
