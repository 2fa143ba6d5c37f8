package access

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvariant = errors.New("authorization state invariant violated")

var decisionOrder = map[Decision]struct{}{
	DecisionUndetermined:     {},
	DecisionPreAuthorized:    {},
	DecisionResidentApproved: {},
	DecisionResidentDenied:   {},
	DecisionTimedOut:         {},
	DecisionAutoDeniedPolicy: {},
	DecisionError:            {},
}

var phaseRank = map[Phase]int{
	PhaseInit:              0,
	PhaseIdentifying:       1,
	PhaseAutoAuthorizing:   2,
	PhaseValidatingVisitor: 2,
	PhaseEscalating:        3,
	PhaseDeciding:          4,
	PhaseActuating:         5,
	PhaseLoggingTerminal:   6,
	PhaseDone:              7,
}

func (d Decision) Valid() bool {
	_, ok := decisionOrder[d]
	return ok
}

// Terminal reports whether no further decision transition may occur.
func (d Decision) Terminal() bool {
	return d.Valid() && d != DecisionUndetermined
}

// Grants reports whether the decision opens the gate.
func (d Decision) Grants() bool {
	return d == DecisionPreAuthorized || d == DecisionResidentApproved
}

func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Rank orders phases along the machine; the two alternative branches share a rank.
func (p Phase) Rank() int {
	rank, ok := phaseRank[p]
	if !ok {
		return -1
	}
	return rank
}

// Clone returns a deep copy so a transition never aliases the previous value.
func (s AuthorizationState) Clone() AuthorizationState {
	out := s
	if s.Plate != nil {
		plate := *s.Plate
		out.Plate = &plate
	}
	if s.Document != nil {
		document := *s.Document
		out.Document = &document
	}
	if s.Visitor != nil {
		visitor := *s.Visitor
		out.Visitor = &visitor
	}
	if s.ResidentRef != nil {
		resident := *s.ResidentRef
		out.ResidentRef = &resident
	}
	if s.Notification != nil {
		notification := *s.Notification
		out.Notification = &notification
	}
	return out
}

// ValidateState checks the invariants every persisted state must satisfy.
func ValidateState(s AuthorizationState) error {
	if strings.TrimSpace(s.Call.CallID) == "" {
		return fmt.Errorf("%w: call_id is required", ErrInvariant)
	}
	if strings.TrimSpace(s.Call.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvariant)
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvariant, s.Phase)
	}
	if !s.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", ErrInvariant, s.Decision)
	}
	if (s.Decision == DecisionResidentApproved || s.Decision == DecisionResidentDenied) && s.ResidentRef == nil {
		return fmt.Errorf("%w: %s requires resident_ref", ErrInvariant, s.Decision)
	}
	if s.GateActionTaken && !s.Decision.Grants() {
		return fmt.Errorf("%w: gate opened for decision %s", ErrInvariant, s.Decision)
	}
	if s.GateActionTaken && !s.ActuationAttempted {
		return fmt.Errorf("%w: gate_action_taken without actuation_attempted", ErrInvariant)
	}
	if s.Phase.Rank() >= PhaseActuating.Rank() && !s.Decision.Terminal() {
		return fmt.Errorf("%w: phase %s requires a terminal decision", ErrInvariant, s.Phase)
	}
	if s.Phase == PhaseDone && !s.LogWritten {
		return fmt.Errorf("%w: done without log_written", ErrInvariant)
	}
	return nil
}

// OutcomeOf maps a decided state to the one spoken outcome the caller hears.
func OutcomeOf(s AuthorizationState) Outcome {
	switch {
	case s.Decision == DecisionError:
		return OutcomeTechnicalProblem
	case s.Decision.Grants() && s.GateActionTaken:
		return OutcomeGranted
	case s.Decision.Grants():
		return OutcomeTechnicalProblem
	default:
		return OutcomeDenied
	}
}
