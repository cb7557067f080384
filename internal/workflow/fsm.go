// Package workflow implements the subtask state machine and the
// transition-gated ledger built on the store repositories.
package workflow

import (
	"fmt"

	"github.com/etsangsplk/concent/internal/domain"
)

// validTransitions defines the legal subtask state transitions.
// Each key is a source state, and the value is the set of valid target states.
var validTransitions = map[domain.SubtaskState]map[domain.SubtaskState]bool{
	domain.SubtaskReported:               {domain.SubtaskAdditionalVerification: true},
	domain.SubtaskAdditionalVerification: {domain.SubtaskAccepted: true, domain.SubtaskFailed: true},
	domain.SubtaskForcingResultTransfer:  {domain.SubtaskResultUploaded: true},
}

// initialStates are the states a subtask may be created in.
var initialStates = map[domain.SubtaskState]bool{
	domain.SubtaskReported:               true,
	domain.SubtaskAdditionalVerification: true,
	domain.SubtaskForcingResultTransfer:  true,
}

// IsValidTransition checks if a subtask state transition is legal.
func IsValidTransition(from, to domain.SubtaskState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsValidInitialState reports whether a new subtask may start in s.
func IsValidInitialState(s domain.SubtaskState) bool {
	return initialStates[s]
}

func transitionError(from, to domain.SubtaskState) error {
	return domain.NewError(domain.CodeSubtaskTransitionForbidden,
		fmt.Sprintf("illegal transition %s -> %s", from, to))
}
