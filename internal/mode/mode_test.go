package mode_test

import (
	"strings"
	"testing"

	"github.com/basket/pipelined/internal/mode"
)

func TestSoftwareEngineeringModeIsValid(t *testing.T) {
	reg, err := mode.NewRegistry([]mode.Mode{mode.SoftwareEngineering()})
	if err != nil {
		t.Fatalf("expected valid mode, got %v", err)
	}
	if !reg.IsActive("backlog") || !reg.IsActive("impl") {
		t.Fatal("expected backlog and impl to be active statuses")
	}
	if reg.IsActive("done") {
		t.Fatal("done is a terminal status, must not be active")
	}
	if reg.PriorityOf("impl") >= reg.PriorityOf("backlog") {
		t.Fatalf("expected impl to have lower priority than backlog")
	}
}

func TestNewRegistryRejectsNoModes(t *testing.T) {
	if _, err := mode.NewRegistry(nil); err == nil {
		t.Fatal("expected error for empty mode list")
	}
}

func TestNewRegistryRejectsDuplicatePhasePriority(t *testing.T) {
	m := mode.Mode{
		Name:          "x",
		InitialStatus: "a",
		Phases: []mode.Phase{
			{Name: "a", Priority: 0, Next: "done", Role: mode.RoleSetup},
			{Name: "b", Priority: 0, Next: "done", Role: mode.RoleSetup},
		},
	}
	if _, err := mode.NewRegistry([]mode.Mode{m}); err == nil {
		t.Fatal("expected error for duplicate priority")
	}
}

func TestNewRegistryRejectsUnresolvedNext(t *testing.T) {
	m := mode.Mode{
		Name:          "x",
		InitialStatus: "a",
		Phases: []mode.Phase{
			{Name: "a", Priority: 0, Next: "nowhere", Role: mode.RoleSetup},
		},
	}
	_, err := mode.NewRegistry([]mode.Mode{m})
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("expected error naming unresolved next, got %v", err)
	}
}

func TestNewRegistryRejectsEmptyAgentPrompt(t *testing.T) {
	m := mode.Mode{
		Name:          "x",
		InitialStatus: "a",
		Phases: []mode.Phase{
			{Name: "a", Priority: 0, Next: "done", Role: mode.RoleAgent},
		},
	}
	if _, err := mode.NewRegistry([]mode.Mode{m}); err == nil {
		t.Fatal("expected error for agent phase with empty prompt")
	}
}

func TestSubstituteError(t *testing.T) {
	got := mode.SubstituteError("attempt failed: {ERROR} please retry", "boom")
	want := "attempt failed: boom please retry"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	got = mode.SubstituteError("attempt failed", "boom")
	want = "attempt failed\nboom"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	// Only the first occurrence of {ERROR} is replaced.
	got = mode.SubstituteError("{ERROR} and {ERROR}", "x")
	want = "x and {ERROR}"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFindPhaseLocatesOwningMode(t *testing.T) {
	reg, err := mode.NewRegistry([]mode.Mode{mode.SoftwareEngineering()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	owner, ph, ok := reg.FindPhase("impl")
	if !ok {
		t.Fatal("expected to find the impl phase")
	}
	if owner.Name != "software-engineering" {
		t.Fatalf("expected owning mode software-engineering, got %q", owner.Name)
	}
	if ph.Role != mode.RoleAgent || ph.Next != "done" {
		t.Fatalf("unexpected phase contents: %+v", ph)
	}

	if _, _, ok := reg.FindPhase("no-such-phase"); ok {
		t.Fatal("expected FindPhase to report false for an unknown phase name")
	}
}

func TestNewRegistryRejectsCrossModeDuplicatePhaseName(t *testing.T) {
	a := mode.Mode{
		Name:          "a",
		InitialStatus: "shared",
		Phases: []mode.Phase{
			{Name: "shared", Priority: 0, Next: "done", Role: mode.RoleSetup},
		},
	}
	b := mode.Mode{
		Name:          "b",
		InitialStatus: "shared",
		Phases: []mode.Phase{
			{Name: "shared", Priority: 0, Next: "done", Role: mode.RoleSetup},
		},
	}
	_, err := mode.NewRegistry([]mode.Mode{a, b})
	if err == nil || !strings.Contains(err.Error(), "shared") {
		t.Fatalf("expected error naming the duplicated phase name, got %v", err)
	}
}

func TestNewRegistryRejectsRebasePhaseWithoutRebaseBase(t *testing.T) {
	m := mode.Mode{
		Name:          "x",
		InitialStatus: "a",
		Phases: []mode.Phase{
			{Name: "a", Priority: 0, Next: "done", Role: mode.RoleRebase},
		},
	}
	if _, err := mode.NewRegistry([]mode.Mode{m}); err == nil {
		t.Fatal("expected error for rebase phase with empty rebase base")
	}
}
