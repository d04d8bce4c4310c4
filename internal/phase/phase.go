// Package phase implements the per-task phase executor: the state machine
// that drives one task through its mode's ordered phase chain, one phase at
// a time, until it reaches a terminal status or a condition that requires
// the scheduler to re-dispatch it. Grounded on the teacher's engine.go
// per-task worker shape (trace-id context propagation, a single
// context-scoped unit of work, success/failure branching into persistence
// calls) generalized from "process one chat turn" to "advance one mode
// phase".
package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/pipelined/internal/bus"
	"github.com/basket/pipelined/internal/collab"
	"github.com/basket/pipelined/internal/mode"
	"github.com/basket/pipelined/internal/notify"
	otelpkg "github.com/basket/pipelined/internal/otel"
	"github.com/basket/pipelined/internal/queuestore"
	"github.com/basket/pipelined/internal/retry"
	"github.com/basket/pipelined/internal/shared"
	"github.com/basket/pipelined/internal/stream"
)

// SentinelBlockCap bounds how many bytes of a sentinel-marker block body are
// retained while streaming.
const SentinelBlockCap = 64 * 1024

// GetRepoPrompt is the optional per-repo prompt-prefix hook (spec.md §4.4
// step 2): its output, when present, is prepended under a Project Context
// section ahead of the phase instruction.
type GetRepoPrompt func(repoPath string) (prefix string, ok bool)

// ListTrackedFiles is the optional repo file-listing hook backing
// include_file_listing.
type ListTrackedFiles func(workDir string) (string, error)

// Config holds everything one Executor needs to drive tasks of any
// configured mode.
type Config struct {
	Store    *queuestore.Store
	Registry *mode.Registry
	Runner   collab.AgentRunner
	VCS      collab.VCS
	Chat     collab.Chat
	FanOut   *stream.FanOut
	Logger   *slog.Logger
	Bus      *bus.Bus             // optional; nil disables event publication
	Metrics  *otelpkg.Metrics // optional; nil disables instrument recording

	AgentTimeoutS int    // cfg.agent_timeout_s; <= 0 disables the agent's own timeout enforcement
	TestCmd       string // cfg.test_cmd, passed to VCS.RunTests

	BeginMarker string
	EndMarker   string

	GetRepoPrompt GetRepoPrompt
	ListFiles     ListTrackedFiles
}

// Executor drives one task through its mode's phase chain per §4.4. It
// implements scheduler.Worker.
type Executor struct {
	store    *queuestore.Store
	registry *mode.Registry
	runner   collab.AgentRunner
	vcs      collab.VCS
	chat     collab.Chat
	fanout   *stream.FanOut
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otelpkg.Metrics

	agentTimeoutS int
	testCmd       string
	beginMarker   string
	endMarker     string
	getRepoPrompt GetRepoPrompt
	listFiles     ListTrackedFiles
}

// New constructs an Executor from cfg.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:         cfg.Store,
		registry:      cfg.Registry,
		runner:        cfg.Runner,
		vcs:           cfg.VCS,
		chat:          cfg.Chat,
		fanout:        cfg.FanOut,
		logger:        logger,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		agentTimeoutS: cfg.AgentTimeoutS,
		testCmd:       cfg.TestCmd,
		beginMarker:   cfg.BeginMarker,
		endMarker:     cfg.EndMarker,
		getRepoPrompt: cfg.GetRepoPrompt,
		listFiles:     cfg.ListFiles,
	}
}

// Run implements scheduler.Worker. It advances task through successive
// phases in-process on every successful, non-terminal transition; it
// returns (letting the scheduler re-dispatch on a later tick) on any
// failure, on qa_fix routing, or once a terminal status is reached.
func (e *Executor) Run(ctx context.Context, task queuestore.Task) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	current := task
	for {
		m, ph, ok := e.registry.FindPhase(current.Status)
		if !ok {
			e.logger.Error("phase executor: status has no known phase", "task_id", current.ID, "status", current.Status)
			return
		}

		cont := e.runPhase(ctx, m, ph, current)
		if !cont {
			return
		}

		fresh, err := e.store.GetTask(ctx, current.ID)
		if err != nil {
			e.logger.Error("phase executor: re-fetch after transition failed", "task_id", current.ID, "error", err)
			return
		}
		current = fresh
	}
}

// runPhase executes one phase turn and reports whether the executor should
// continue looping over the same task in-process (true only on a
// success that lands on another non-terminal, non-dead-letter phase).
func (e *Executor) runPhase(ctx context.Context, m mode.Mode, ph mode.Phase, task queuestore.Task) bool {
	runID, err := e.store.LogRunStart(ctx, task.ID, ph.Name, task.RepoPath)
	if err != nil {
		e.logger.Error("phase executor: log run start failed", "task_id", task.ID, "phase", ph.Name, "error", err)
		return false
	}

	start := time.Now()
	outcome := e.execute(ctx, m, ph, &task)
	if e.metrics != nil {
		e.metrics.PhaseDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("phase", ph.Name)))
	}

	finishStatus := "done"
	if outcome.failure != "" {
		finishStatus = "failed"
	}
	if ferr := e.store.LogRunFinish(ctx, runID, finishStatus, outcome.bytesOut, outcome.failure); ferr != nil {
		e.logger.Error("phase executor: log run finish failed", "task_id", task.ID, "run_id", runID, "error", ferr)
	}

	if outcome.failure == "" {
		e.recordTransition(ctx, ph.Name, "success")
		if outcome.resultBody != "" {
			e.publishPhaseResult(ctx, task, ph.Name, outcome.resultBody)
		}
		if err := e.store.UpdateTaskStatus(ctx, task.ID, ph.Next); err != nil {
			e.logger.Error("phase executor: advance status failed", "task_id", task.ID, "next", ph.Next, "error", err)
			return false
		}
		e.publishStateChanged(task.ID, ph.Name, task.Status, ph.Next)
		if ph.Next == mode.StatusDone || ph.Next == mode.StatusMerged || ph.Next == mode.StatusFailed || ph.Next == mode.StatusDeadLetter {
			e.fanout.Forget(task.ID)
			return false
		}
		return true
	}

	if outcome.qaFixReroute {
		e.recordTransition(ctx, ph.Name, "qa_fix")
		if err := e.store.UpdateTaskError(ctx, task.ID, outcome.failure); err != nil {
			e.logger.Error("phase executor: record qa_fix error failed", "task_id", task.ID, "error", err)
		}
		if err := e.store.UpdateTaskStatus(ctx, task.ID, "qa_fix"); err != nil {
			e.logger.Error("phase executor: route to qa_fix failed", "task_id", task.ID, "error", err)
		}
		e.publishStateChanged(task.ID, ph.Name, task.Status, "qa_fix")
		return false
	}

	if err := retry.HandleFailure(ctx, e.store, e.chat, dlLogger{e.logger}, e.metrics, task, outcome.failure, "retry"); err != nil {
		e.logger.Error("phase executor: handle failure failed", "task_id", task.ID, "error", err)
		return false
	}
	if fresh, err := e.store.GetTask(ctx, task.ID); err == nil {
		if fresh.Status == queuestore.StatusDeadLetter {
			e.recordTransition(ctx, ph.Name, "dead_letter")
			e.publishDeadLettered(fresh.ID, fresh.Attempt, fresh.LastError)
		} else {
			e.recordTransition(ctx, ph.Name, "retry")
		}
		e.publishStateChanged(task.ID, ph.Name, task.Status, fresh.Status)
	}
	return false
}

func (e *Executor) recordTransition(ctx context.Context, phaseName, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phaseName),
		attribute.String("outcome", outcome),
	))
}

func (e *Executor) publishStateChanged(taskID int64, phaseName, oldStatus, newStatus string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		Phase:     phaseName,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}

func (e *Executor) publishDeadLettered(taskID int64, attempt int, lastError string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicTaskDeadLettered, bus.TaskDeadLetteredEvent{
		TaskID:    taskID,
		Attempt:   attempt,
		LastError: lastError,
	})
}

// phaseOutcome is the internal result of one phase's execution stages.
type phaseOutcome struct {
	failure      string // "" means success
	qaFixReroute bool
	resultBody   string
	bytesOut     int64
}

func (e *Executor) execute(ctx context.Context, m mode.Mode, ph mode.Phase, task *queuestore.Task) phaseOutcome {
	workDir := task.RepoPath

	if m.UsesWorktrees && task.Branch == "" {
		branch, err := e.vcs.CreateWorktree(ctx, task.RepoPath, task.ID)
		if err != nil {
			return phaseOutcome{failure: fmt.Sprintf("create worktree: %v", err)}
		}
		if err := e.store.UpdateTaskBranch(ctx, task.ID, branch); err != nil {
			return phaseOutcome{failure: fmt.Sprintf("persist branch: %v", err)}
		}
		task.Branch = branch
	}
	if m.UsesWorktrees && task.Branch != "" {
		workDir = worktreeDir(task.RepoPath, task.Branch)
	}

	var scanner *notify.Scanner
	var bytesOut int64
	var agentOutput string

	switch ph.Role {
	case mode.RoleAgent:
		prompt := e.buildPrompt(ph, *task, workDir)
		scanner = notify.NewScanner(e.beginMarker, e.endMarker, SentinelBlockCap)

		sessionID := task.SessionID
		if ph.FreshSession {
			sessionID = ""
		}

		onLine := func(line string) {
			bytesOut += int64(len(line)) + 1
			e.fanout.Broadcast(task.ID, line)
			scanner.Feed(line)
		}

		result, err := e.runner.Run(ctx, collab.AgentConfig{
			SystemPrompt: ph.SystemPrompt,
			AllowedTools: ph.AllowedTools,
			Prompt:       prompt,
			Sandbox:      ph.UseSandbox,
			SessionID:    sessionID,
			RepoPath:     workDir,
			TimeoutS:     e.agentTimeoutS,
			OnLine:       onLine,
		})
		if err != nil {
			if collab.KindOf(err) == collab.ErrKilledByTimeout {
				return phaseOutcome{failure: fmt.Sprintf("agent timeout after %d s", e.agentTimeoutS), bytesOut: bytesOut}
			}
			return phaseOutcome{failure: err.Error(), bytesOut: bytesOut}
		}
		agentOutput = result.Output
		if result.NewSessionID != "" && result.NewSessionID != task.SessionID {
			if err := e.store.SetTaskSessionID(ctx, task.ID, result.NewSessionID); err != nil {
				return phaseOutcome{failure: fmt.Sprintf("persist session id: %v", err)}
			}
			task.SessionID = result.NewSessionID
		}

	case mode.RoleRebase:
		if err := e.vcs.Rebase(ctx, workDir, task.Branch, ph.RebaseBase); err != nil {
			return phaseOutcome{failure: fmt.Sprintf("rebase onto %s: %v", ph.RebaseBase, err)}
		}

	case mode.RoleSetup:
		// Workspace preparation above is the entire contract of a setup phase.
	}

	if ph.CheckArtifact != "" {
		if !artifactExists(workDir, ph.CheckArtifact) {
			return phaseOutcome{failure: fmt.Sprintf("expected artifact %q not found", ph.CheckArtifact), bytesOut: bytesOut}
		}
	}

	if ph.Commits {
		commit, err := e.vcs.Commit(ctx, workDir, task.Branch, ph.CommitMessage)
		if err != nil {
			return phaseOutcome{failure: fmt.Sprintf("commit: %v", err), bytesOut: bytesOut}
		}
		if commit.NoChanges && !ph.AllowNoChanges {
			return phaseOutcome{failure: "commit produced no changes", bytesOut: bytesOut}
		}
	}

	if ph.RunsTests {
		testOnLine := func(line string) {
			bytesOut += int64(len(line)) + 1
			e.fanout.Broadcast(task.ID, line)
			if scanner != nil {
				scanner.Feed(line)
			}
		}
		tr, err := e.vcs.RunTests(ctx, workDir, e.testCmd, testOnLine)
		if err != nil {
			return phaseOutcome{failure: fmt.Sprintf("run tests: %v", err), bytesOut: bytesOut}
		}
		if tr.ExitCode != 0 {
			combined := tr.Stdout + tr.Stderr
			if ph.HasQAFixRouting && retry.ClassifyTestFailure(tr.Stderr, tr.Stdout) == retry.ClassTestFile {
				return phaseOutcome{failure: combined, qaFixReroute: true, bytesOut: bytesOut}
			}
			return phaseOutcome{failure: combined, bytesOut: bytesOut}
		}
	}

	resultBody := ""
	if scanner != nil {
		if scanner.Found() {
			resultBody = scanner.Result()
			if e.metrics != nil {
				e.metrics.SentinelBlocks.Add(ctx, 1)
			}
		} else if body, ok := notify.ExtractPhaseResult(e.beginMarker, e.endMarker, agentOutput, SentinelBlockCap); ok {
			resultBody = body
			if e.metrics != nil {
				e.metrics.SentinelBlocks.Add(ctx, 1)
			}
		}
	}

	return phaseOutcome{resultBody: resultBody, bytesOut: bytesOut}
}

func (e *Executor) publishPhaseResult(ctx context.Context, task queuestore.Task, phaseName, body string) {
	payload, err := json.Marshal(map[string]any{
		"task_id": task.ID,
		"phase":   phaseName,
		"body":    body,
	})
	if err != nil {
		e.logger.Error("phase executor: marshal phase result failed", "task_id", task.ID, "error", err)
		return
	}
	e.fanout.Broadcast(stream.ChatStreamID, string(payload))

	if task.NotifyChat == "" || e.chat == nil {
		return
	}
	msg := fmt.Sprintf("task #%d (%s): %s", task.ID, phaseName, notify.TruncateForChat(body))
	if err := e.chat.Notify(ctx, task.NotifyChat, msg); err != nil {
		e.logger.Warn("phase executor: chat notify failed", "task_id", task.ID, "error", err)
	}
}

func worktreeDir(repoPath, branch string) string {
	return filepath.Join(repoPath, ".worktrees", branch)
}

// dlLogger adapts *slog.Logger to retry.Logger.
type dlLogger struct {
	logger *slog.Logger
}

func (d dlLogger) DeadLettered(taskID int64, attempt int, lastError string) {
	d.logger.Warn("task dead-lettered", "task_id", taskID, "attempt", attempt, "last_error", lastError)
}
