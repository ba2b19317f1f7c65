package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(StateUnknown, StateNamespaceCreated) {
		t.Fatalf("expected UNKNOWN -> NAMESPACE_CREATED to be allowed")
	}
	if CanTransition(StateUnknown, StateMigrated) {
		t.Fatalf("expected UNKNOWN -> MIGRATED to be blocked")
	}
	if CanTransition(StateMigrated, StateNamespaceCreated) {
		t.Fatalf("expected MIGRATED to be terminal")
	}
}

func TestStepForTransition(t *testing.T) {
	if got := StepForTransition("namespace_created", StateMigrated); got != StepApplyMigrations {
		t.Fatalf("unexpected step %q", got)
	}
	if got := StepForTransition(StateMigrated, StateMigrated); got != "" {
		t.Fatalf("expected no step for a self transition, got %q", got)
	}
}

func TestNextWalksEveryState(t *testing.T) {
	var walked []string
	for s := StateUnknown; s != ""; s = Next(s) {
		walked = append(walked, s)
	}
	all := AllStates()
	if len(walked) != len(all) {
		t.Fatalf("expected %v, got %v", all, walked)
	}
	for i := range all {
		if walked[i] != all[i] {
			t.Fatalf("expected %v, got %v", all, walked)
		}
	}
	if !IsTerminal(walked[len(walked)-1]) {
		t.Fatalf("expected walk to end in a terminal state")
	}
}
