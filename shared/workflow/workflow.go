package workflow

import "strings"

const (
	StateUnknown          = "UNKNOWN"
	StateNamespaceCreated = "NAMESPACE_CREATED"
	StateMigrated         = "MIGRATED"
)

const (
	StepCreateNamespace = "create_namespace"
	StepApplyMigrations = "apply_migrations"
)

var provisioningTransitions = map[string]map[string]string{
	StateUnknown: {
		StateNamespaceCreated: StepCreateNamespace,
	},
	StateNamespaceCreated: {
		StateMigrated: StepApplyMigrations,
	},
}

func NormalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func CanTransition(fromState string, toState string) bool {
	fromState = NormalizeState(fromState)
	toState = NormalizeState(toState)
	if fromState == toState {
		return true
	}
	next := provisioningTransitions[fromState]
	if next == nil {
		return false
	}
	_, ok := next[toState]
	return ok
}

func StepForTransition(fromState string, toState string) string {
	fromState = NormalizeState(fromState)
	toState = NormalizeState(toState)
	if fromState == toState {
		return ""
	}
	next := provisioningTransitions[fromState]
	if next == nil {
		return ""
	}
	return next[toState]
}

// Next is the single successor of state, or "" for the terminal state.
func Next(state string) string {
	for to := range provisioningTransitions[NormalizeState(state)] {
		return to
	}
	return ""
}

func IsTerminal(state string) bool {
	return NormalizeState(state) == StateMigrated
}

func AllStates() []string {
	return []string{
		StateUnknown,
		StateNamespaceCreated,
		StateMigrated,
	}
}
