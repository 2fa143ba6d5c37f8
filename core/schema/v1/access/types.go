package access

import "time"

const (
	CheckpointSchemaID = "portero.access.checkpoint"
	AccessLogSchemaID  = "portero.access.log_record"
	EventSchemaID      = "portero.access.event"
	SchemaVersion      = "1.0.0"
)

type Decision string

const (
	DecisionUndetermined     Decision = "undetermined"
	DecisionPreAuthorized    Decision = "pre_authorized"
	DecisionResidentApproved Decision = "resident_approved"
	DecisionResidentDenied   Decision = "resident_denied"
	DecisionTimedOut         Decision = "timed_out"
	DecisionAutoDeniedPolicy Decision = "auto_denied_policy"
	DecisionError            Decision = "error"
)

type Phase string

const (
	PhaseInit              Phase = "init"
	PhaseIdentifying       Phase = "identifying"
	PhaseAutoAuthorizing   Phase = "auto_authorizing"
	PhaseValidatingVisitor Phase = "validating_visitor"
	PhaseEscalating        Phase = "escalating"
	PhaseDeciding          Phase = "deciding"
	PhaseActuating         Phase = "actuating"
	PhaseLoggingTerminal   Phase = "logging_terminal"
	PhaseDone              Phase = "done"
)

type IdentificationKind string

const (
	KindVehiclePlate     IdentificationKind = "vehicle_plate"
	KindIdentityDocument IdentificationKind = "identity_document"
)

type Outcome string

const (
	OutcomeGranted          Outcome = "access_granted"
	OutcomeDenied           Outcome = "access_denied"
	OutcomeTechnicalProblem Outcome = "technical_problem"
)

const (
	EventReplyText   = "reply_text"
	EventActionTaken = "action_taken"
)

const (
	ActionNotifySent   = "resident_notified"
	ActionGateOpened   = "gate_opened"
	ActionGateFailed   = "gate_failed"
	ActionAccessDenied = "access_denied"
	ActionCallLogged   = "call_logged"
)

type CallContext struct {
	TenantID      string    `json:"tenant_id"`
	CallID        string    `json:"call_id"`
	CallerChannel string    `json:"caller_channel"`
	StartedAt     time.Time `json:"started_at"`
}

type IdentificationResult struct {
	Kind           IdentificationKind `json:"kind"`
	RawValue       string             `json:"raw_value"`
	Confidence     float64            `json:"confidence"`
	CapturedAt     time.Time          `json:"captured_at"`
	PhotoReference string             `json:"photo_reference,omitempty"`
}

type Visitor struct {
	Name       string `json:"name,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Purpose    string `json:"purpose,omitempty"`
	UnitHint   string `json:"unit_hint,omitempty"`
}

type ResidentRef struct {
	ResidentID  string `json:"resident_id"`
	Unit        string `json:"unit,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Address     string `json:"address,omitempty"`
}

// Protocol is the per-tenant policy snapshot frozen at call start.
type Protocol struct {
	AllowDeliveries             bool   `json:"allow_deliveries"`
	RequireResidentApproval     bool   `json:"require_resident_approval"`
	MaxWaitSeconds              int    `json:"max_wait_seconds"`
	FailOpenOnNotifyUnavailable bool   `json:"fail_open_on_notify_unavailable"`
	PlateSource                 string `json:"plate_source,omitempty"`
	DocumentSource              string `json:"document_source,omitempty"`
	GateMethod                  string `json:"gate_method,omitempty"`
}

type Notification struct {
	Handle   string    `json:"handle"`
	SentAt   time.Time `json:"sent_at"`
	Deadline time.Time `json:"deadline"`
}

type AuthorizationState struct {
	Call               CallContext           `json:"call"`
	Phase              Phase                 `json:"phase"`
	Plate              *IdentificationResult `json:"plate,omitempty"`
	Document           *IdentificationResult `json:"document,omitempty"`
	VehicleID          string                `json:"vehicle_id,omitempty"`
	PreAuthorizationID string                `json:"pre_authorization_id,omitempty"`
	Visitor            *Visitor              `json:"visitor,omitempty"`
	ResidentRef        *ResidentRef          `json:"resident_ref,omitempty"`
	Decision           Decision              `json:"decision"`
	ReasonCode         string                `json:"reason_code,omitempty"`
	Notification       *Notification         `json:"notification,omitempty"`
	ActuationAttempted bool                  `json:"actuation_attempted"`
	GateActionTaken    bool                  `json:"gate_action_taken"`
	ActuationFailed    bool                  `json:"actuation_failed"`
	LogWritten         bool                  `json:"log_written"`
	Protocol           Protocol              `json:"protocol"`
	Version            int64                 `json:"version"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

type CheckpointRecord struct {
	SchemaID      string             `json:"schema_id"`
	SchemaVersion string             `json:"schema_version"`
	CallID        string             `json:"call_id"`
	TenantID      string             `json:"tenant_id"`
	Phase         Phase              `json:"phase"`
	Version       int64              `json:"version"`
	Digest        string             `json:"digest"`
	Finalized     bool               `json:"finalized"`
	FinalizedAt   *time.Time         `json:"finalized_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	State         AuthorizationState `json:"state"`
}

type AccessLogRecord struct {
	SchemaID           string                `json:"schema_id"`
	SchemaVersion      string                `json:"schema_version"`
	TenantID           string                `json:"tenant_id"`
	CallID             string                `json:"call_id"`
	CallerChannel      string                `json:"caller_channel,omitempty"`
	StartedAt          time.Time             `json:"started_at"`
	DecidedAt          time.Time             `json:"decided_at"`
	Plate              *IdentificationResult `json:"plate,omitempty"`
	Document           *IdentificationResult `json:"document,omitempty"`
	VehicleID          string                `json:"vehicle_id,omitempty"`
	PreAuthorizationID string                `json:"pre_authorization_id,omitempty"`
	Visitor            *Visitor              `json:"visitor,omitempty"`
	ResidentRef        *ResidentRef          `json:"resident_ref,omitempty"`
	Decision           Decision              `json:"decision"`
	ReasonCode         string                `json:"reason_code,omitempty"`
	GateOpened         bool                  `json:"gate_opened"`
	Outcome            Outcome               `json:"outcome"`
	Digest             string                `json:"digest,omitempty"`
}

type Event struct {
	SchemaID  string    `json:"schema_id"`
	EventID   string    `json:"event_id"`
	CallID    string    `json:"call_id"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
