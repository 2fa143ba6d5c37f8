package engine

import (
	"time"

	"github.com/davidahmann/portero/core/config"
	"github.com/davidahmann/portero/core/intake"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

// Confident reports whether a capture may count as a positive match.
func Confident(result *access.IdentificationResult, threshold float64) bool {
	return result != nil && result.RawValue != "" && result.Confidence >= threshold
}

// VehicleMatch is the vehicle path: a confident plate and an active record.
func VehicleMatch(plate *access.IdentificationResult, vehicle *ports.VehicleRecord, threshold float64) bool {
	return Confident(plate, threshold) && vehicle != nil && vehicle.Active && vehicle.VehicleID != ""
}

// PreAuthorizationMatch is the visitor path: the record must admit this call
// at now.
func PreAuthorizationMatch(record ports.PreAuthRecord, now time.Time, callID string) bool {
	return record.PreAuthorizationID != "" && record.Usable(now, callID)
}

// DocumentForLookup picks the document id to validate: a confident capture
// wins over a spoken one.
func DocumentForLookup(state access.AuthorizationState, threshold float64) string {
	if Confident(state.Document, threshold) {
		return state.Document.RawValue
	}
	if state.Visitor != nil {
		return state.Visitor.DocumentID
	}
	return ""
}

// DeliveryOverride lets deliveries through without the resident when the
// tenant allows it.
func DeliveryOverride(visitor *access.Visitor, protocol access.Protocol) bool {
	if visitor == nil || !intake.IsDelivery(visitor.Purpose) {
		return false
	}
	return protocol.AllowDeliveries && !protocol.RequireResidentApproval
}

// ReplyDecision maps the resident's answer. Anything but an explicit
// approval or denial fails closed as a timeout.
func ReplyDecision(reply ports.Reply) (access.Decision, string) {
	switch reply {
	case ports.ReplyApproved:
		return access.DecisionResidentApproved, ReasonResidentReply
	case ports.ReplyDenied:
		return access.DecisionResidentDenied, ReasonResidentReply
	default:
		return access.DecisionTimedOut, ReasonReplyTimeout
	}
}

// NotifyUnavailableDecision denies when the resident cannot be reached
// unless the tenant opted into failing open.
func NotifyUnavailableDecision(protocol access.Protocol) (access.Decision, string) {
	if protocol.FailOpenOnNotifyUnavailable {
		return access.DecisionPreAuthorized, ReasonFailOpenNotify
	}
	return access.DecisionAutoDeniedPolicy, ReasonNotifyUnavailable
}

// ForcedDecision is the decision an undecided call gets when it must stop
// early. A resident who was already asked and did not answer in time is a
// timeout; everything else is a policy denial.
func ForcedDecision(state access.AuthorizationState) access.Decision {
	if state.Phase == access.PhaseEscalating && state.Notification != nil {
		return access.DecisionTimedOut
	}
	return access.DecisionAutoDeniedPolicy
}

// ReplyWindow is how long the resident has to answer.
func ReplyWindow(protocol access.Protocol, fallback time.Duration) time.Duration {
	if protocol.MaxWaitSeconds > 0 {
		return time.Duration(protocol.MaxWaitSeconds) * time.Second
	}
	return fallback
}

// Summary is the message the resident reads.
func Summary(state access.AuthorizationState) ports.VisitorSummary {
	summary := ports.VisitorSummary{
		TenantID: state.Call.TenantID,
		CallID:   state.Call.CallID,
	}
	if state.Visitor != nil {
		summary.VisitorName = state.Visitor.Name
		summary.DocumentID = state.Visitor.DocumentID
		summary.Purpose = state.Visitor.Purpose
	}
	if state.Document != nil {
		if summary.DocumentID == "" {
			summary.DocumentID = state.Document.RawValue
		}
		summary.PhotoReference = state.Document.PhotoReference
	}
	if state.Plate != nil {
		summary.Plate = state.Plate.RawValue
		if summary.PhotoReference == "" {
			summary.PhotoReference = state.Plate.PhotoReference
		}
	}
	return summary
}

// OutcomeText picks the spoken reply for a decided state. A gate that failed
// or whose earlier attempt has no known outcome gets the gate error text.
func OutcomeText(state access.AuthorizationState, replies config.Replies) string {
	switch {
	case state.Decision.Grants() && state.GateActionTaken:
		return replies.Granted
	case state.Decision.Grants() && state.ActuationFailed:
		return replies.GateError
	case access.OutcomeOf(state) == access.OutcomeTechnicalProblem:
		return replies.TechnicalProblem
	default:
		return replies.Denied
	}
}
