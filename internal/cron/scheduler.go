// Package cron implements the periodic backlog seeder: a cron-scheduled job,
// distinct from the dispatcher's fixed-interval tick, that tops up a mode's
// backlog when it runs dry and enough cooldown time has passed since the
// last auto-seed.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/pipelined/internal/queuestore"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Mode describes one mode's seeding target: the backlog status to count and
// create placeholder tasks in, plus the repo the maintenance task targets.
type Mode struct {
	Name           string
	BacklogStatus  string
	RepoPath       string
	MaxAttempts    int
}

// Config holds the seeder's dependencies.
type Config struct {
	Store           *queuestore.Store
	Logger          *slog.Logger
	Schedule        string // 5-field cron expression; defaults to every 10 minutes
	Modes           []Mode
	MaxBacklogSize  int
	SeedCooldownS   int64
}

// Seeder fires on a cron schedule and, per mode, creates a low-priority
// maintenance task if the backlog is below MaxBacklogSize and the last seed
// for that mode was more than SeedCooldownS ago.
type Seeder struct {
	store          *queuestore.Store
	logger         *slog.Logger
	schedule       cronlib.Schedule
	modes          []Mode
	maxBacklogSize int
	seedCooldownS  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const kvLastSeedPrefix = "seeder.last_seed_at."

// NewSeeder builds a Seeder from cfg. An invalid or empty Schedule falls
// back to "*/10 * * * *".
func NewSeeder(cfg Config) (*Seeder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/10 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse seeder schedule %q: %w", expr, err)
	}
	maxBacklog := cfg.MaxBacklogSize
	if maxBacklog <= 0 {
		maxBacklog = 5
	}
	cooldown := cfg.SeedCooldownS
	if cooldown <= 0 {
		cooldown = 3600
	}
	return &Seeder{
		store:          cfg.Store,
		logger:         logger,
		schedule:       sched,
		modes:          cfg.Modes,
		maxBacklogSize: maxBacklog,
		seedCooldownS:  cooldown,
	}, nil
}

// Start runs the seeder loop in the background until the context is done or
// Stop is called.
func (s *Seeder) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("periodic seeder started", "modes", len(s.modes))
}

// Stop cancels the loop and waits for it to exit.
func (s *Seeder) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("periodic seeder stopped")
}

func (s *Seeder) loop(ctx context.Context) {
	defer s.wg.Done()

	next := s.schedule.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx)
			next = s.schedule.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

func (s *Seeder) tick(ctx context.Context) {
	s.RunOnce(ctx)
}

// RunOnce runs a single seeding pass across every configured mode
// synchronously. Exposed so callers can force an initial pass at startup
// and so tests can exercise seedModeIfDue without waiting on the schedule.
func (s *Seeder) RunOnce(ctx context.Context) {
	for _, mode := range s.modes {
		if err := s.seedModeIfDue(ctx, mode); err != nil {
			s.logger.Error("seeder: failed to seed mode", "mode", mode.Name, "error", err)
		}
	}
}

func (s *Seeder) seedModeIfDue(ctx context.Context, mode Mode) error {
	count, err := s.store.GetActiveTaskCount(ctx)
	if err != nil {
		return fmt.Errorf("get active task count: %w", err)
	}
	if count >= s.maxBacklogSize {
		return nil
	}

	kvKey := kvLastSeedPrefix + mode.Name
	lastSeedRaw, ok, err := s.store.GetKV(ctx, kvKey)
	if err != nil {
		return fmt.Errorf("get last seed time: %w", err)
	}
	if ok {
		lastSeed, parseErr := time.Parse(time.RFC3339, lastSeedRaw)
		if parseErr == nil && time.Since(lastSeed) < time.Duration(s.seedCooldownS)*time.Second {
			return nil
		}
	}

	id, err := s.store.CreateTask(ctx, "scheduled maintenance pass", "auto-seeded backlog maintenance task", mode.RepoPath, "seeder", "", mode.BacklogStatus, mode.MaxAttempts)
	if err != nil {
		return fmt.Errorf("create seeded task: %w", err)
	}
	if err := s.store.SetKV(ctx, kvKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("set last seed time: %w", err)
	}
	s.logger.Info("seeder: created maintenance task", "mode", mode.Name, "task_id", id)
	return nil
}
