// Package scheduler implements the dispatcher tick loop: fetch eligible
// tasks, apply capacity and in-flight gates, spawn per-task workers, cap
// global concurrency. Grounded on the teacher's cron tick-loop shape
// (ticker + immediate first fire) with the in-flight set / atomic worker
// counter this spec's concurrency contract (§5) requires.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/pipelined/internal/otel"
	"github.com/basket/pipelined/internal/queuestore"
)

// Worker drives one task to completion. Implementations are the Phase
// Executor; the scheduler owns only dispatch, not phase logic.
type Worker interface {
	Run(ctx context.Context, task queuestore.Task)
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store      *queuestore.Store
	Logger     *slog.Logger
	Worker     Worker
	Interval   time.Duration // tick cadence; defaults to 30s
	MaxWorkers int           // defaults to 4
	FetchLimit int           // defaults to 64
	LeaseTTLS  int64         // dispatched_at staleness before reclaim; defaults to 1800s

	PriorityAgeThreshold time.Duration // defaults to 1 hour
	MaxPriorityBoost     int           // defaults to 5

	Metrics *otel.Metrics // optional; nil disables instrument recording
}

// Scheduler is the tick-loop dispatcher.
type Scheduler struct {
	store      *queuestore.Store
	logger     *slog.Logger
	worker     Worker
	interval   time.Duration
	maxWorkers int64
	fetchLimit int
	leaseTTLS  int64

	priorityAgeThreshold time.Duration
	maxPriorityBoost     int

	metrics *otel.Metrics

	activeWorkers atomic.Int64

	inflightMu sync.Mutex
	inflight   map[int64]bool

	lastQueueDepth atomic.Int64

	stopping atomic.Bool
	cancel   context.CancelFunc
	tickWg   sync.WaitGroup
	workerWg sync.WaitGroup
}

// New constructs a Scheduler from cfg, applying defaults for zero fields.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	fetchLimit := cfg.FetchLimit
	if fetchLimit <= 0 {
		fetchLimit = 64
	}
	leaseTTLS := cfg.LeaseTTLS
	if leaseTTLS <= 0 {
		leaseTTLS = 1800
	}
	priorityAgeThreshold := cfg.PriorityAgeThreshold
	if priorityAgeThreshold <= 0 {
		priorityAgeThreshold = time.Hour
	}
	maxPriorityBoost := cfg.MaxPriorityBoost
	if maxPriorityBoost <= 0 {
		maxPriorityBoost = 5
	}
	return &Scheduler{
		store:                cfg.Store,
		logger:               logger,
		worker:               cfg.Worker,
		interval:             interval,
		maxWorkers:           int64(maxWorkers),
		fetchLimit:           fetchLimit,
		leaseTTLS:            leaseTTLS,
		priorityAgeThreshold: priorityAgeThreshold,
		maxPriorityBoost:     maxPriorityBoost,
		metrics:              cfg.Metrics,
		inflight:             make(map[int64]bool),
	}
}

// Start begins the tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.tickWg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "max_workers", s.maxWorkers)
}

// Stop signals the tick loop and in-flight workers to stop at their next
// phase boundary, then waits for all of them to exit.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	s.tickWg.Wait()
	s.workerWg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.tickWg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick implements the §4.3 dispatch algorithm: capacity check first (a
// capacity break terminates the loop regardless of remaining in-flight
// state), then the in-flight check, then spawn.
func (s *Scheduler) tick(ctx context.Context) {
	if s.stopping.Load() {
		return
	}
	if s.metrics != nil {
		s.metrics.SchedulerTicks.Add(ctx, 1)
	}
	s.reclaimExpiredLeases(ctx)
	if bumped, err := s.store.AgeEligiblePriorities(ctx, s.priorityAgeThreshold, s.maxPriorityBoost); err != nil {
		s.logger.Error("scheduler: failed to age eligible priorities", "error", err)
	} else if bumped > 0 {
		s.logger.Info("scheduler: aged eligible priorities", "bumped", bumped)
	}

	tasks, err := s.store.GetActiveTasks(ctx, s.fetchLimit)
	if err != nil {
		s.logger.Error("scheduler: failed to fetch active tasks", "error", err)
		return
	}
	if s.metrics != nil {
		depth := int64(len(tasks))
		s.metrics.QueueDepth.Add(ctx, depth-s.lastQueueDepth.Load())
		s.lastQueueDepth.Store(depth)
	}

	for _, task := range tasks {
		if s.activeWorkers.Load() >= s.maxWorkers {
			break
		}

		s.inflightMu.Lock()
		if s.inflight[task.ID] {
			s.inflightMu.Unlock()
			continue
		}
		s.inflight[task.ID] = true
		s.inflightMu.Unlock()

		if s.metrics != nil {
			s.metrics.TasksDispatched.Add(ctx, 1)
		}
		s.activeWorkers.Add(1)
		s.workerWg.Add(1)
		go s.runWorker(ctx, task)
	}
}

// reclaimExpiredLeases runs the crash-recovery sweep: a dispatched_at flag
// left set past leaseTTLS means the worker that set it died without
// clearing it. Ids still tracked in this process's in-flight set are left
// alone; they are genuinely running here, just slow.
func (s *Scheduler) reclaimExpiredLeases(ctx context.Context) {
	ids, err := s.store.RequeueExpiredLeases(ctx, s.leaseTTLS)
	if err != nil {
		s.logger.Error("scheduler: failed to reclaim expired leases", "error", err)
		return
	}
	for _, id := range ids {
		s.inflightMu.Lock()
		stillLocal := s.inflight[id]
		s.inflightMu.Unlock()
		if stillLocal {
			s.logger.Warn("scheduler: reclaimed lease for task still in local in-flight set", "task_id", id)
			continue
		}
		s.logger.Info("scheduler: reclaimed expired lease", "task_id", id)
		if s.metrics != nil {
			s.metrics.LeasesReclaimed.Add(ctx, 1)
		}
	}
}

func (s *Scheduler) runWorker(ctx context.Context, task queuestore.Task) {
	defer s.workerWg.Done()
	defer s.activeWorkers.Add(-1)
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, task.ID)
		s.inflightMu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: worker panicked", "task_id", task.ID, "panic", r)
		}
	}()

	if err := s.store.MarkDispatched(ctx, task.ID); err != nil {
		s.logger.Error("scheduler: failed to mark dispatched", "task_id", task.ID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveDispatched.Add(ctx, 1)
	}
	defer func() {
		if err := s.store.ClearDispatched(ctx, task.ID); err != nil {
			s.logger.Error("scheduler: failed to clear dispatched", "task_id", task.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.ActiveDispatched.Add(ctx, -1)
		}
	}()

	s.worker.Run(ctx, task)
}

// ActiveWorkers returns the current number of running workers.
func (s *Scheduler) ActiveWorkers() int64 {
	return s.activeWorkers.Load()
}

// InflightCount returns the number of tasks currently in the in-flight set.
func (s *Scheduler) InflightCount() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}
