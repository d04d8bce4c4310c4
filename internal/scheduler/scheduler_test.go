package scheduler_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/pipelined/internal/queuestore"
	"github.com/basket/pipelined/internal/scheduler"
)

func testActivePredicate(status string) bool {
	return status == "impl"
}

func testPriorityOf(status string) int {
	if status == "impl" {
		return 0
	}
	return 1 << 30
}

func openTestStore(t *testing.T) *queuestore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := queuestore.Open(filepath.Join(dir, "pipeline.db"),
		queuestore.WithActivePredicate(testActivePredicate),
		queuestore.WithPriorityOf(testPriorityOf),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// blockingWorker holds every task it is given until released, and records
// which task ids it was handed.
type blockingWorker struct {
	mu      sync.Mutex
	started []int64
	release chan struct{}
}

func newBlockingWorker() *blockingWorker {
	return &blockingWorker{release: make(chan struct{})}
}

func (w *blockingWorker) Run(ctx context.Context, task queuestore.Task) {
	w.mu.Lock()
	w.started = append(w.started, task.ID)
	w.mu.Unlock()
	select {
	case <-w.release:
	case <-ctx.Done():
	}
}

func (w *blockingWorker) startedIDs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, len(w.started))
	copy(out, w.started)
	return out
}

// TestCapacityBreakStopsDispatchLoop exercises the §4.3 capacity-before-
// in-flight ordering: with MaxWorkers=1 and two eligible tasks, only one
// worker is ever spawned per tick, and the loop breaks rather than skipping
// ahead to the second task.
func TestCapacityBreakStopsDispatchLoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, _ := s.CreateTask(ctx, "t1", "", "", "", "", "impl", 1)
	id2, _ := s.CreateTask(ctx, "t2", "", "", "", "", "impl", 1)
	_ = id2

	worker := newBlockingWorker()
	defer close(worker.release)

	sched := scheduler.New(scheduler.Config{
		Store:      s,
		Worker:     worker,
		Interval:   10 * time.Millisecond,
		MaxWorkers: 1,
		FetchLimit: 10,
	})
	sched.Start(ctx)
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sched.ActiveWorkers() >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sched.ActiveWorkers() != 1 {
		t.Fatalf("expected exactly 1 active worker, got %d", sched.ActiveWorkers())
	}

	// Give a few more ticks a chance to run; the second task must never be
	// started while the first occupies the only worker slot.
	time.Sleep(50 * time.Millisecond)
	started := worker.startedIDs()
	if len(started) != 1 || started[0] != id1 {
		t.Fatalf("expected only task %d started while at capacity, got %v", id1, started)
	}
}

// TestInFlightTaskNotRedispatched exercises the in-flight gate: the same
// task id must never be handed to a second worker while it is still running.
func TestInFlightTaskNotRedispatched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateTask(ctx, "t", "", "", "", "", "impl", 1)

	worker := newBlockingWorker()
	defer close(worker.release)

	sched := scheduler.New(scheduler.Config{
		Store:      s,
		Worker:     worker,
		Interval:   5 * time.Millisecond,
		MaxWorkers: 4,
		FetchLimit: 10,
	})
	sched.Start(ctx)
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sched.InflightCount() >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	started := worker.startedIDs()
	count := 0
	for _, sid := range started {
		if sid == id {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected task %d started exactly once, got %d times (started=%v)", id, count, started)
	}
}
