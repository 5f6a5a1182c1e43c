package envelope

import (
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/audit"
)

// SystemActor is recorded for transitions not caused by a recipient or operator.
const SystemActor = "system"

type Role string

const (
	RoleSigner   Role = "signer"
	RoleApprover Role = "approver"
	RoleViewer   Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSigner, RoleApprover, RoleViewer:
		return true
	}
	return false
}

// Required reports whether the role must sign for the envelope to complete.
func (r Role) Required() bool {
	return r == RoleSigner || r == RoleApprover
}

type RecipientState string

const (
	StatePending  RecipientState = "pending"
	StateNotified RecipientState = "notified"
	StateViewed   RecipientState = "viewed"
	StateSigned   RecipientState = "signed"
	StateDeclined RecipientState = "declined"
	StateExpired  RecipientState = "expired"
)

func (s RecipientState) Decided() bool {
	return s == StateSigned || s == StateDeclined
}

func (s RecipientState) Terminal() bool {
	return s.Decided() || s == StateExpired
}

type Status string

const (
	StatusDraft           Status = "draft"
	StatusDispatched      Status = "dispatched"
	StatusPartiallySigned Status = "partially_signed"
	StatusCompleted       Status = "completed"
	StatusDeclined        Status = "declined"
	StatusExpired         Status = "expired"
	StatusVoided          Status = "voided"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusDispatched, StatusPartiallySigned, StatusCompleted, StatusDeclined, StatusExpired, StatusVoided:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusVoided:
		return true
	}
	return false
}

// Open reports whether recipients may still act on the envelope.
func (s Status) Open() bool {
	return s == StatusDispatched || s == StatusPartiallySigned
}

type SigningOrder string

const (
	SigningParallel   SigningOrder = "parallel"
	SigningSequential SigningOrder = "sequential"
)

type ReminderFrequency string

const (
	ReminderNone   ReminderFrequency = "none"
	ReminderDaily  ReminderFrequency = "daily"
	ReminderWeekly ReminderFrequency = "weekly"
)

func (f ReminderFrequency) Interval() time.Duration {
	switch f {
	case ReminderDaily:
		return 24 * time.Hour
	case ReminderWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

type Settings struct {
	SigningOrder          SigningOrder      `json:"signing_order"`
	ExpirationDays        int               `json:"expiration_days"`
	ReminderFrequency     ReminderFrequency `json:"reminder_frequency"`
	AllowReassign         bool              `json:"allow_reassign"`
	RequireAuthentication bool              `json:"require_authentication"`
}

// Document references content held by the external document store.
type Document struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentHash string `json:"content_hash,omitempty"`
}

type Recipient struct {
	ID                string         `json:"id"`
	Email             string         `json:"email"`
	Name              string         `json:"name"`
	Role              Role           `json:"role"`
	Order             int            `json:"order"`
	State             RecipientState `json:"state"`
	NotifiedAt        time.Time      `json:"notified_at,omitzero"`
	ViewedAt          time.Time      `json:"viewed_at,omitzero"`
	LastRemindedAt    time.Time      `json:"last_reminded_at,omitzero"`
	DecisionTimestamp time.Time      `json:"decision_timestamp,omitzero"`
	DecisionArtifact  string         `json:"decision_artifact,omitempty"`
	DecisionIP        string         `json:"decision_ip,omitempty"`
}

type Envelope struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Message            string      `json:"message,omitempty"`
	Documents          []Document  `json:"documents"`
	Recipients         []Recipient `json:"recipients"`
	Settings           Settings    `json:"settings"`
	Status             Status      `json:"status"`
	CreatedBy          string      `json:"created_by"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	DispatchedAt       time.Time   `json:"dispatched_at,omitzero"`
	ExpirationDeadline time.Time   `json:"expiration_deadline,omitzero"`
	FinalizedAt        time.Time   `json:"finalized_at,omitzero"`
	VoidReason         string      `json:"void_reason,omitempty"`
	Audit              audit.Log   `json:"audit_log"`
	// Version is owned by the store and advanced on every successful write.
	Version int64 `json:"version"`
}

type DecisionKind string

const (
	DecisionSign    DecisionKind = "sign"
	DecisionDecline DecisionKind = "decline"
)

type Decision struct {
	RecipientID string
	Kind        DecisionKind
	// Artifact is the signature payload for sign and the reason for decline.
	Artifact        string
	IPAddress       string
	Authenticated   bool
	ClientTimestamp time.Time
}
