package protocol

import "time"

const (
	WarningDeliveryDegraded = "DELIVERY_DEGRADED"
)

// Notification kinds delivered to the external delivery collaborator.
const (
	NotifySigningRequest = "signing_request"
	NotifyViewCopy       = "view_copy"
	NotifyReminder       = "reminder"
	NotifyFinalized      = "envelope_finalized"
)

type DocumentRef struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	ContentHash string `json:"content_hash,omitempty"`
}

type RecipientRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Order *int   `json:"order,omitempty"`
}

type CreateEnvelopeRequest struct {
	Name                  string             `json:"name"`
	Message               string             `json:"message,omitempty"`
	Documents             []DocumentRef      `json:"documents"`
	Recipients            []RecipientRequest `json:"recipients"`
	SigningOrder          string             `json:"signing_order"`
	ExpirationDays        int                `json:"expiration_days"`
	ReminderFrequency     string             `json:"reminder_frequency,omitempty"`
	AllowReassign         bool               `json:"allow_reassign"`
	RequireAuthentication bool               `json:"require_authentication"`
	Actor                 string             `json:"-"`
}

type CreateEnvelopeResponse struct {
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
}

type DispatchRequest struct {
	EnvelopeID string `json:"envelope_id"`
	Actor      string `json:"-"`
}

type DispatchResponse struct {
	EnvelopeID         string    `json:"envelope_id"`
	Status             string    `json:"status"`
	ExpirationDeadline time.Time `json:"expiration_deadline,omitzero"`
	Warnings           []Warning `json:"warnings,omitempty"`
}

type SubmitDecisionRequest struct {
	EnvelopeID  string    `json:"envelope_id"`
	RecipientID string    `json:"recipient_id"`
	Decision    string    `json:"decision"`
	Artifact    string    `json:"artifact"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	// Authenticated is asserted by the upstream identity collaborator or by a
	// verified signing link.
	Authenticated bool `json:"authenticated,omitempty"`
	// LinkEmail is the email a signing link was issued to. When set, the
	// recipient must still carry it at commit time.
	LinkEmail string `json:"-"`
}

type SubmitDecisionResponse struct {
	EnvelopeID     string    `json:"envelope_id"`
	RecipientID    string    `json:"recipient_id"`
	Status         string    `json:"status"`
	RecipientState string    `json:"recipient_state"`
	Warnings       []Warning `json:"warnings,omitempty"`
}

type RecordViewRequest struct {
	EnvelopeID  string `json:"envelope_id"`
	RecipientID string `json:"recipient_id"`
	LinkEmail   string `json:"-"`
}

type RecordViewResponse struct {
	EnvelopeID     string `json:"envelope_id"`
	RecipientID    string `json:"recipient_id"`
	Status         string `json:"status"`
	RecipientState string `json:"recipient_state"`
}

// SigningViewResponse is what a recipient sees when opening a signing link.
type SigningViewResponse struct {
	EnvelopeID         string        `json:"envelope_id"`
	Name               string        `json:"name"`
	Message            string        `json:"message,omitempty"`
	Status             string        `json:"status"`
	Documents          []DocumentRef `json:"documents"`
	RecipientID        string        `json:"recipient_id"`
	RecipientRole      string        `json:"recipient_role"`
	RecipientState     string        `json:"recipient_state"`
	ExpirationDeadline time.Time     `json:"expiration_deadline,omitzero"`
}

// LinkDecisionRequest is submitted through a signing link; the token names
// the envelope and recipient.
type LinkDecisionRequest struct {
	Decision  string    `json:"decision"`
	Artifact  string    `json:"artifact"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

type VoidRequest struct {
	EnvelopeID string `json:"envelope_id"`
	Reason     string `json:"reason"`
	Actor      string `json:"-"`
}

type VoidResponse struct {
	EnvelopeID string    `json:"envelope_id"`
	Status     string    `json:"status"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

type ReassignRequest struct {
	EnvelopeID  string `json:"envelope_id"`
	RecipientID string `json:"recipient_id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Actor       string `json:"-"`
}

type ReassignResponse struct {
	EnvelopeID     string    `json:"envelope_id"`
	RecipientID    string    `json:"recipient_id"`
	RecipientState string    `json:"recipient_state"`
	Warnings       []Warning `json:"warnings,omitempty"`
}

type TickReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Expired    int       `json:"expired"`
	Reminded   int       `json:"reminded"`
	Conflicts  int       `json:"conflicts"`
	Failed     int       `json:"failed"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

type Warning struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	EnvelopeID  string `json:"envelope_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
}

type Notification struct {
	ID          string    `json:"id"`
	EnvelopeID  string    `json:"envelope_id"`
	RecipientID string    `json:"recipient_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name,omitempty"`
	EventType   string    `json:"event_type"`
	Link        string    `json:"link,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type HealthResponse struct {
	Status        string    `json:"status"`
	Store         string    `json:"store"`
	OpenEnvelopes int       `json:"open_envelopes"`
	Time          time.Time `json:"time"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
