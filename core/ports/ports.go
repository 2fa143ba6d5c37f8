// Package ports declares the four external capabilities the decision engine
// consumes and the bounded-latency wrappers every call goes through.
package ports

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/portero/core/schema/v1/access"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("capability unavailable")
	ErrRejected    = errors.New("capability rejected request")
)

type Identifier interface {
	Identify(ctx context.Context, kind access.IdentificationKind, sourceRef string) (access.IdentificationResult, error)
}

type VehicleRecord struct {
	VehicleID  string `json:"vehicle_id" yaml:"vehicle_id"`
	TenantID   string `json:"tenant_id" yaml:"tenant_id"`
	Plate      string `json:"plate" yaml:"plate"`
	ResidentID string `json:"resident_id,omitempty" yaml:"resident_id"`
	Active     bool   `json:"active" yaml:"active"`
}

type PreAuthRecord struct {
	PreAuthorizationID string     `json:"pre_authorization_id" yaml:"pre_authorization_id"`
	TenantID           string     `json:"tenant_id" yaml:"tenant_id"`
	DocumentID         string     `json:"document_id" yaml:"document_id"`
	VisitorName        string     `json:"visitor_name,omitempty" yaml:"visitor_name"`
	ResidentID         string     `json:"resident_id,omitempty" yaml:"resident_id"`
	ValidFrom          time.Time  `json:"valid_from" yaml:"valid_from"`
	ValidUntil         time.Time  `json:"valid_until" yaml:"valid_until"`
	SingleUse          bool       `json:"single_use" yaml:"single_use"`
	UsedAt             *time.Time `json:"used_at,omitempty" yaml:"used_at"`
	UsedByCall         string     `json:"used_by_call,omitempty" yaml:"used_by_call"`
	Active             bool       `json:"active" yaml:"active"`
}

// Usable reports whether the record admits the call at now. A single-use
// record already consumed by the same call stays usable so a resumed call
// reaches the same decision.
func (r PreAuthRecord) Usable(now time.Time, callID string) bool {
	if !r.Active {
		return false
	}
	if !r.ValidFrom.IsZero() && now.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && now.After(r.ValidUntil) {
		return false
	}
	if r.SingleUse && r.UsedAt != nil && r.UsedByCall != callID {
		return false
	}
	return true
}

type Directory interface {
	Protocol(ctx context.Context, tenantID string) (access.Protocol, error)
	LookupVehicle(ctx context.Context, tenantID, plate string) (VehicleRecord, error)
	LookupPreAuthorized(ctx context.Context, tenantID, documentID string) (PreAuthRecord, error)
	ConsumePreAuthorization(ctx context.Context, tenantID, preAuthorizationID, callID string, now time.Time) error
	ResolveResident(ctx context.Context, tenantID string, visitor access.Visitor) (access.ResidentRef, error)
}

type VisitorSummary struct {
	TenantID       string `json:"tenant_id"`
	CallID         string `json:"call_id"`
	VisitorName    string `json:"visitor_name,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
	Purpose        string `json:"purpose,omitempty"`
	Plate          string `json:"plate,omitempty"`
	PhotoReference string `json:"photo_reference,omitempty"`
	// ReplyCode tells apart two visitors waiting on the same resident.
	ReplyCode string `json:"reply_code,omitempty"`
}

// Text renders the summary as the message a resident reads.
func (s VisitorSummary) Text() string {
	var builder strings.Builder
	builder.WriteString("Visitor at the gate")
	if s.VisitorName != "" {
		builder.WriteString(": " + s.VisitorName)
	}
	if s.DocumentID != "" {
		builder.WriteString(" (ID " + s.DocumentID + ")")
	}
	if s.Purpose != "" {
		builder.WriteString(". Purpose: " + s.Purpose)
	}
	if s.Plate != "" {
		builder.WriteString(". Plate: " + s.Plate)
	}
	if s.PhotoReference != "" {
		builder.WriteString(". Photo: " + s.PhotoReference)
	}
	if s.ReplyCode != "" {
		builder.WriteString(". Reply APPROVE " + s.ReplyCode + " or DENY " + s.ReplyCode + ".")
	} else {
		builder.WriteString(". Reply APPROVE or DENY.")
	}
	return builder.String()
}

type NotificationHandle struct {
	ID         string    `json:"id"`
	ResidentID string    `json:"resident_id"`
	SentAt     time.Time `json:"sent_at"`
}

type Reply string

const (
	ReplyApproved Reply = "approved"
	ReplyDenied   Reply = "denied"
	ReplyNone     Reply = "no_reply"
)

type Notifier interface {
	Notify(ctx context.Context, resident access.ResidentRef, summary VisitorSummary) (NotificationHandle, error)
	AwaitReply(ctx context.Context, handle NotificationHandle, deadline time.Time) (Reply, error)
}

// Releaser is implemented by notifiers that keep per-notification state
// until the call is over.
type Releaser interface {
	Release(handle NotificationHandle)
}

type Actuator interface {
	Actuate(ctx context.Context, tenantID, method, idempotencyKey string) error
}

var handleNamespace = uuid.MustParse("5b0f4a52-8d1e-4c3a-9a57-2f9b3f3c1e11")

// HandleID derives the notification handle for a call. Reissuing Notify for
// the same call after a crash yields the same handle, so replies already
// addressed to it are not lost.
func HandleID(tenantID, callID string) string {
	return "ntf_" + uuid.NewSHA1(handleNamespace, []byte(tenantID+"/"+callID)).String()
}

// ReplyCode is the short code a resident adds to a reply to pick one of
// several pending notifications.
func ReplyCode(handleID string) string {
	code := strings.ReplaceAll(strings.TrimPrefix(handleID, "ntf_"), "-", "")
	if len(code) > 4 {
		code = code[:4]
	}
	return strings.ToUpper(code)
}

// ParseCodedReply accepts a reply alone ("yes") or with a reply code in
// either order ("yes 5B0F", "5B0F no"). The code is empty when none was given.
func ParseCodedReply(text string) (Reply, string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 2 {
		if reply, ok := ParseReply(fields[0]); ok {
			return reply, normalizeCode(fields[1]), true
		}
		if reply, ok := ParseReply(fields[1]); ok {
			return reply, normalizeCode(fields[0]), true
		}
	}
	reply, ok := ParseReply(text)
	return reply, "", ok
}

func normalizeCode(value string) string {
	return strings.ToUpper(strings.Trim(value, ".!¡#: "))
}

// ParseReply maps free-form resident text to a reply. Unrecognized text is
// not an answer.
func ParseReply(text string) (Reply, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Trim(normalized, ".!¡ ")
	switch normalized {
	case "approve", "approved", "yes", "y", "si", "sí", "ok", "open", "allow", "aprobar", "1":
		return ReplyApproved, true
	case "deny", "denied", "no", "n", "reject", "rechazar", "denegar", "0":
		return ReplyDenied, true
	default:
		return "", false
	}
}
