// Package mode holds the compile-time description of each pipeline mode's
// ordered phase sequence: priorities, terminal states, and per-phase
// contracts. Grounded on the teacher's plan.go validation style (empty
// list / duplicate name / unknown reference / cycle checks, each a plain
// error) applied to phases instead of DAG plan steps.
package mode

import (
	"fmt"
	"strings"
)

// Role is the kind of phase.
type Role string

const (
	RoleSetup  Role = "setup"
	RoleAgent  Role = "agent"
	RoleRebase Role = "rebase"
)

// Fixed terminal statuses, independent of any mode.
const (
	StatusDone       = "done"
	StatusMerged     = "merged"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

func isBuiltinTerminal(status string) bool {
	switch status {
	case StatusDone, StatusMerged, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Phase is one stage in a mode's state machine.
type Phase struct {
	Name                string
	Label               string
	Role                Role
	SystemPrompt        string
	Instruction         string
	ErrorInstruction     string // may contain "{ERROR}"
	AllowedTools        []string
	UseSandbox          bool
	Priority            int // smaller = processed first; unique within a mode
	RunsTests           bool
	Commits             bool
	CommitMessage       string
	CheckArtifact       string
	AllowNoChanges      bool
	Next                string // another phase name, or a terminal status
	HasQAFixRouting     bool
	FreshSession        bool
	IncludeTaskContext  bool
	IncludeFileListing  bool

	// RebaseBase is the branch a RoleRebase phase rebases onto. Only
	// meaningful when Role == RoleRebase.
	RebaseBase string
}

// Mode is a named ordered phase graph plus policy.
type Mode struct {
	Name           string
	Label          string
	Phases         []Phase
	UsesWorktrees  bool
	UsesSandbox    bool
	TestCmd        string
	UsesVCS        bool
	DefaultMaxAttempts int
	InitialStatus  string // must equal the name of the first phase
}

// Registry holds every known mode plus the derived artifacts the store needs.
type Registry struct {
	modes map[string]Mode
	// priority maps every known phase-name-or-terminal-status to a
	// dispatch priority; unknown statuses fall back to defaultPriority.
	priority        map[string]int
	activeStatuses  map[string]bool
	defaultPriority int
}

// NewRegistry validates every mode's self-test invariants and derives the
// cross-mode comparator and active-status set. Returns an error naming the
// first invariant violated.
func NewRegistry(modes []Mode) (*Registry, error) {
	if len(modes) == 0 {
		return nil, fmt.Errorf("mode registry: no modes configured")
	}
	seenModeNames := make(map[string]bool, len(modes))
	seenPhaseNames := make(map[string]string)
	r := &Registry{
		modes:           make(map[string]Mode, len(modes)),
		priority:        make(map[string]int),
		activeStatuses:  make(map[string]bool),
		defaultPriority: 1 << 30,
	}
	for _, m := range modes {
		if m.Name == "" {
			return nil, fmt.Errorf("mode registry: mode has empty name")
		}
		if seenModeNames[m.Name] {
			return nil, fmt.Errorf("mode registry: duplicate mode name %q", m.Name)
		}
		seenModeNames[m.Name] = true

		if err := validateMode(m); err != nil {
			return nil, fmt.Errorf("mode %q: %w", m.Name, err)
		}

		// Task records carry no mode field (spec.md §3): a dispatched task's
		// status is resolved back to its phase definition by name alone
		// (FindPhase), so phase names must be unique across every mode, not
		// just within one.
		for _, p := range m.Phases {
			if owner, ok := seenPhaseNames[p.Name]; ok {
				return nil, fmt.Errorf("mode registry: phase name %q used by both mode %q and mode %q", p.Name, owner, m.Name)
			}
			seenPhaseNames[p.Name] = m.Name
		}

		r.modes[m.Name] = m
		for _, p := range m.Phases {
			r.priority[p.Name] = p.Priority
			r.activeStatuses[p.Name] = true
		}
		// retry is a mode-defined active status that re-enters a failed
		// phase after workspace fix-up (spec §4.5); every mode implicitly
		// supports it at the lowest phase priority of that mode so a retry
		// never starves behind fresh backlog work of the same mode.
		r.activeStatuses["retry"] = true
	}
	return r, nil
}

func validateMode(m Mode) error {
	if len(m.Phases) == 0 {
		return fmt.Errorf("no phases configured")
	}
	names := make(map[string]bool, len(m.Phases))
	priorities := make(map[int]string, len(m.Phases))
	for _, p := range m.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase has empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate phase name %q", p.Name)
		}
		names[p.Name] = true

		if owner, ok := priorities[p.Priority]; ok {
			return fmt.Errorf("phase %q and %q share priority %d", p.Name, owner, p.Priority)
		}
		priorities[p.Priority] = p.Name

		if p.Role == RoleAgent {
			if strings.TrimSpace(p.SystemPrompt) == "" {
				return fmt.Errorf("agent-role phase %q has empty system prompt", p.Name)
			}
			if strings.TrimSpace(p.Instruction) == "" {
				return fmt.Errorf("agent-role phase %q has empty instruction", p.Name)
			}
		}
		if p.Role == RoleRebase && strings.TrimSpace(p.RebaseBase) == "" {
			return fmt.Errorf("rebase-role phase %q has empty rebase base", p.Name)
		}
	}
	for _, p := range m.Phases {
		if p.Next == "" {
			return fmt.Errorf("phase %q has empty next", p.Name)
		}
		if names[p.Next] || isBuiltinTerminal(p.Next) {
			continue
		}
		return fmt.Errorf("phase %q next %q resolves to neither another phase nor a terminal status", p.Name, p.Next)
	}
	if m.InitialStatus == "" {
		return fmt.Errorf("no initial active status configured")
	}
	if !names[m.InitialStatus] {
		return fmt.Errorf("initial status %q is not one of the mode's phases", m.InitialStatus)
	}
	return nil
}

// Mode looks up a mode by name.
func (r *Registry) Mode(name string) (Mode, bool) {
	m, ok := r.modes[name]
	return m, ok
}

// Phase looks up a phase within a mode by name.
func (r *Registry) Phase(modeName, phaseName string) (Phase, bool) {
	m, ok := r.modes[modeName]
	if !ok {
		return Phase{}, false
	}
	for _, p := range m.Phases {
		if p.Name == phaseName {
			return p, true
		}
	}
	return Phase{}, false
}

// FindPhase resolves a phase by name across every configured mode, without
// requiring the caller to already know which mode a task belongs to. Used by
// the phase executor, since queuestore.Task carries no mode field.
func (r *Registry) FindPhase(phaseName string) (Mode, Phase, bool) {
	for _, m := range r.modes {
		for _, p := range m.Phases {
			if p.Name == phaseName {
				return m, p, true
			}
		}
	}
	return Mode{}, Phase{}, false
}

// IsActive reports whether status is an active (non-terminal) status in any
// configured mode.
func (r *Registry) IsActive(status string) bool {
	return r.activeStatuses[status]
}

// PriorityOf maps a status to its dispatch priority (lower first). Unknown
// statuses get the registry's default so ordering never breaks on an
// unrecognized string.
func (r *Registry) PriorityOf(status string) int {
	if p, ok := r.priority[status]; ok {
		return p
	}
	return r.defaultPriority
}

// SubstituteError implements the §4.2 contract: if the template contains
// "{ERROR}", replace the first occurrence; otherwise append "\n" + err.
func SubstituteError(template string, err string) string {
	const token = "{ERROR}"
	if idx := strings.Index(template, token); idx >= 0 {
		return template[:idx] + err + template[idx+len(token):]
	}
	return template + "\n" + err
}
