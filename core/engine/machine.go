package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

var ErrInvalidTransition = errors.New("invalid transition")

// Reason codes recorded on the state and in the access log.
const (
	ReasonVehicleMatch        = "vehicle_match"
	ReasonPreAuthorization    = "pre_authorization"
	ReasonDeliveryPolicy      = "delivery_policy"
	ReasonResidentReply       = "resident_reply"
	ReasonReplyTimeout        = "reply_timeout"
	ReasonNotifyUnavailable   = "notify_unavailable"
	ReasonFailOpenNotify      = "fail_open_notify_unavailable"
	ReasonNoResident          = "no_resident"
	ReasonUnknownTenant       = "unknown_tenant"
	ReasonProtocolUnavailable = "protocol_unavailable"
	ReasonDirectoryDown       = "directory_unavailable"
	ReasonCallerHungUp        = "caller_hung_up"
	ReasonCallCeiling         = "call_ceiling"
	ReasonCheckpointCorrupt   = "checkpoint_corrupt"
	ReasonInvalidState        = "invalid_state"
)

// Input is the closed set of facts that move a call forward.
type Input interface {
	inputName() string
}

// ProtocolLoaded freezes the tenant protocol for the rest of the call.
type ProtocolLoaded struct {
	Protocol access.Protocol
}

// Identified carries whatever the parallel captures produced. Vehicle is set
// only when the plate lookup found a record.
type Identified struct {
	Plate    *access.IdentificationResult
	Document *access.IdentificationResult
	Vehicle  *ports.VehicleRecord
}

// VisitorUpdated merges caller-supplied details into the visitor.
type VisitorUpdated struct {
	Visitor access.Visitor
}

// Authorized records a pre-authorization decided without the resident.
type Authorized struct {
	Reason             string
	PreAuthorizationID string
}

type Escalate struct {
	Resident access.ResidentRef
}

type Notified struct {
	Handle   string
	SentAt   time.Time
	Deadline time.Time
}

type NotifyUnavailable struct{}

type ReplyReceived struct {
	Reply ports.Reply
}

// PolicyDenied denies the call without escalation.
type PolicyDenied struct {
	Reason string
}

// Forced moves an undecided call straight to deciding: hang-up, call
// ceiling or an unavailable capability the call cannot proceed without.
type Forced struct {
	Reason string
}

// Aborted records a fatal error. The call still reaches the log.
type Aborted struct {
	Reason string
}

type ActuationBegun struct{}

type ActuationSkipped struct{}

// ActuationFinished reports the gate outcome. Opened=false with an empty
// Failure means the outcome of an earlier attempt is unknown.
type ActuationFinished struct {
	Opened  bool
	Failure string
}

type LogWritten struct{}

func (ProtocolLoaded) inputName() string    { return "protocol_loaded" }
func (Identified) inputName() string        { return "identified" }
func (VisitorUpdated) inputName() string    { return "visitor_updated" }
func (Authorized) inputName() string        { return "authorized" }
func (Escalate) inputName() string          { return "escalate" }
func (Notified) inputName() string          { return "notified" }
func (NotifyUnavailable) inputName() string { return "notify_unavailable" }
func (ReplyReceived) inputName() string     { return "reply_received" }
func (PolicyDenied) inputName() string      { return "policy_denied" }
func (Forced) inputName() string            { return "forced" }
func (Aborted) inputName() string           { return "aborted" }
func (ActuationBegun) inputName() string    { return "actuation_begun" }
func (ActuationSkipped) inputName() string  { return "actuation_skipped" }
func (ActuationFinished) inputName() string { return "actuation_finished" }
func (LogWritten) inputName() string        { return "log_written" }

// InputName names an input for logs and spans.
func InputName(input Input) string {
	if input == nil {
		return "none"
	}
	return input.inputName()
}

// Step is the next thing the runner must do for a state.
type Step string

const (
	StepLoadProtocol     Step = "load_protocol"
	StepIdentify         Step = "identify"
	StepAuthorizeVehicle Step = "authorize_vehicle"
	StepValidateVisitor  Step = "validate_visitor"
	StepNotify           Step = "notify"
	StepAwaitReply       Step = "await_reply"
	StepDecide           Step = "decide"
	StepActuate          Step = "actuate"
	StepWriteLog         Step = "write_log"
	StepFinalize         Step = "finalize"
)

// Plan reads the next step off a state. It never fails: every phase has
// exactly one next step.
func Plan(state access.AuthorizationState) Step {
	switch state.Phase {
	case access.PhaseInit:
		return StepLoadProtocol
	case access.PhaseIdentifying:
		return StepIdentify
	case access.PhaseAutoAuthorizing:
		return StepAuthorizeVehicle
	case access.PhaseValidatingVisitor:
		return StepValidateVisitor
	case access.PhaseEscalating:
		if state.Notification == nil {
			return StepNotify
		}
		return StepAwaitReply
	case access.PhaseDeciding:
		return StepDecide
	case access.PhaseActuating:
		return StepActuate
	case access.PhaseLoggingTerminal:
		return StepWriteLog
	default:
		return StepFinalize
	}
}

// Machine holds the routing parameters the transition function needs.
type Machine struct {
	Threshold float64
}

// NewState is the initial state of a call.
func NewState(call access.CallContext, now time.Time) access.AuthorizationState {
	return access.AuthorizationState{
		Call:      call,
		Phase:     access.PhaseInit,
		Decision:  access.DecisionUndetermined,
		Version:   0,
		UpdatedAt: now.UTC(),
	}
}

// Transition computes the next state. The input state is never modified;
// the result carries version+1 and passes access.ValidateState.
func (m Machine) Transition(state access.AuthorizationState, input Input, now time.Time) (access.AuthorizationState, error) {
	next := state.Clone()
	if err := m.apply(&next, input); err != nil {
		return state, porterrors.InvalidState(err, "engine_invalid_transition")
	}
	if err := checkMonotonic(state, next); err != nil {
		return state, porterrors.InvalidState(err, "engine_invariant_violated")
	}
	next.Version = state.Version + 1
	next.UpdatedAt = now.UTC()
	if err := access.ValidateState(next); err != nil {
		return state, porterrors.InvalidState(err, "engine_invariant_violated")
	}
	return next, nil
}

func (m Machine) apply(state *access.AuthorizationState, input Input) error {
	invalid := func() error {
		return fmt.Errorf("%w: %s from phase %s", ErrInvalidTransition, InputName(input), state.Phase)
	}
	switch in := input.(type) {
	case ProtocolLoaded:
		if state.Phase != access.PhaseInit {
			return invalid()
		}
		state.Protocol = in.Protocol
		state.Phase = access.PhaseIdentifying

	case Identified:
		if state.Phase != access.PhaseIdentifying {
			return invalid()
		}
		state.Plate = in.Plate
		state.Document = in.Document
		if VehicleMatch(in.Plate, in.Vehicle, m.Threshold) {
			state.VehicleID = in.Vehicle.VehicleID
			state.Phase = access.PhaseAutoAuthorizing
			return nil
		}
		if in.Vehicle != nil {
			state.VehicleID = in.Vehicle.VehicleID
		}
		state.Phase = access.PhaseValidatingVisitor

	case VisitorUpdated:
		if state.Phase.Rank() >= access.PhaseDeciding.Rank() {
			return invalid()
		}
		merged := mergeVisitor(state.Visitor, in.Visitor)
		state.Visitor = &merged

	case Authorized:
		switch state.Phase {
		case access.PhaseAutoAuthorizing:
			if in.Reason != ReasonVehicleMatch {
				return invalid()
			}
		case access.PhaseValidatingVisitor:
			if in.Reason != ReasonPreAuthorization && in.Reason != ReasonDeliveryPolicy {
				return invalid()
			}
		default:
			return invalid()
		}
		if in.Reason == ReasonPreAuthorization && strings.TrimSpace(in.PreAuthorizationID) == "" {
			return fmt.Errorf("%w: pre_authorization_id is required", ErrInvalidTransition)
		}
		state.PreAuthorizationID = in.PreAuthorizationID
		decide(state, access.DecisionPreAuthorized, in.Reason)

	case Escalate:
		if state.Phase != access.PhaseValidatingVisitor {
			return invalid()
		}
		if strings.TrimSpace(in.Resident.ResidentID) == "" {
			return fmt.Errorf("%w: escalation requires a resident", ErrInvalidTransition)
		}
		resident := in.Resident
		state.ResidentRef = &resident
		state.Phase = access.PhaseEscalating

	case Notified:
		if state.Phase != access.PhaseEscalating || state.Notification != nil {
			return invalid()
		}
		state.Notification = &access.Notification{Handle: in.Handle, SentAt: in.SentAt.UTC(), Deadline: in.Deadline.UTC()}

	case NotifyUnavailable:
		if state.Phase != access.PhaseEscalating || state.Notification != nil {
			return invalid()
		}
		decision, reason := NotifyUnavailableDecision(state.Protocol)
		decide(state, decision, reason)

	case ReplyReceived:
		if state.Phase != access.PhaseEscalating || state.Notification == nil {
			return invalid()
		}
		decision, reason := ReplyDecision(in.Reply)
		decide(state, decision, reason)

	case PolicyDenied:
		if state.Phase.Rank() >= access.PhaseDeciding.Rank() || state.Phase == access.PhaseEscalating {
			return invalid()
		}
		decide(state, access.DecisionAutoDeniedPolicy, in.Reason)

	case Forced:
		if state.Phase.Rank() >= access.PhaseDeciding.Rank() {
			return invalid()
		}
		decide(state, ForcedDecision(*state), in.Reason)

	case Aborted:
		if state.Phase.Rank() >= access.PhaseLoggingTerminal.Rank() {
			return invalid()
		}
		if !state.Decision.Terminal() {
			state.Decision = access.DecisionError
			state.ReasonCode = in.Reason
		}
		state.Phase = access.PhaseLoggingTerminal

	case ActuationBegun:
		if state.Phase != access.PhaseDeciding || !state.Decision.Grants() || state.ActuationAttempted {
			return invalid()
		}
		state.ActuationAttempted = true
		state.Phase = access.PhaseActuating

	case ActuationSkipped:
		if state.Phase != access.PhaseDeciding || state.Decision.Grants() {
			return invalid()
		}
		state.Phase = access.PhaseLoggingTerminal

	case ActuationFinished:
		if state.Phase != access.PhaseActuating || !state.ActuationAttempted {
			return invalid()
		}
		state.GateActionTaken = in.Opened
		state.ActuationFailed = !in.Opened
		state.Phase = access.PhaseLoggingTerminal

	case LogWritten:
		if state.Phase != access.PhaseLoggingTerminal {
			return invalid()
		}
		state.LogWritten = true
		state.Phase = access.PhaseDone

	default:
		return fmt.Errorf("%w: unknown input %T", ErrInvalidTransition, input)
	}
	return nil
}

func decide(state *access.AuthorizationState, decision access.Decision, reason string) {
	state.Decision = decision
	state.ReasonCode = reason
	state.Phase = access.PhaseDeciding
}

func checkMonotonic(before, after access.AuthorizationState) error {
	switch {
	case before.Decision.Terminal() && after.Decision != before.Decision:
		return fmt.Errorf("decision %s cannot change to %s", before.Decision, after.Decision)
	case after.Phase.Rank() < before.Phase.Rank():
		return fmt.Errorf("phase %s cannot move back to %s", before.Phase, after.Phase)
	case before.GateActionTaken && !after.GateActionTaken:
		return fmt.Errorf("gate_action_taken cannot be reset")
	case before.ActuationAttempted && !after.ActuationAttempted:
		return fmt.Errorf("actuation_attempted cannot be reset")
	case before.LogWritten && !after.LogWritten:
		return fmt.Errorf("log_written cannot be reset")
	}
	return nil
}

func mergeVisitor(current *access.Visitor, update access.Visitor) access.Visitor {
	var merged access.Visitor
	if current != nil {
		merged = *current
	}
	if merged.Name == "" {
		merged.Name = strings.TrimSpace(update.Name)
	}
	if merged.DocumentID == "" {
		merged.DocumentID = strings.TrimSpace(update.DocumentID)
	}
	if merged.Purpose == "" {
		merged.Purpose = strings.TrimSpace(update.Purpose)
	}
	if merged.UnitHint == "" {
		merged.UnitHint = strings.TrimSpace(update.UnitHint)
	}
	return merged
}
