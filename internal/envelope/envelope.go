package envelope

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/audit"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

type RecipientInput struct {
	Email string
	Name  string
	Role  Role
	// Order defaults to the insertion index when nil.
	Order *int
}

// MaxMessageLength bounds the optional note sent to recipients.
const MaxMessageLength = 2000

type NewParams struct {
	ID         string
	Name       string
	Message    string
	Documents  []Document
	Recipients []RecipientInput
	Settings   Settings
	Actor      string
	Now        time.Time
}

// New validates params and returns a draft envelope whose audit log holds the
// creation event.
func New(p NewParams) (*Envelope, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(p.Actor) == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	message := strings.TrimSpace(p.Message)
	if len(message) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrValidation, MaxMessageLength)
	}
	settings, err := normalizeSettings(p.Settings)
	if err != nil {
		return nil, err
	}

	now := p.Now.UTC()
	env := &Envelope{
		ID:         p.ID,
		Name:       name,
		Message:    message,
		Settings:   settings,
		Status:     StatusDraft,
		CreatedBy:  p.Actor,
		CreatedAt:  now,
		UpdatedAt:  now,
		Documents:  make([]Document, 0, len(p.Documents)),
		Recipients: make([]Recipient, 0, len(p.Recipients)),
	}
	if env.ID == "" {
		env.ID = protocol.NewID("env")
	}

	for i, d := range p.Documents {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("%w: documents[%d].name is required", ErrValidation, i)
		}
		if d.ID == "" {
			d.ID = protocol.NewID("doc")
		}
		env.Documents = append(env.Documents, d)
	}

	seen := make(map[string]int, len(p.Recipients))
	for i, in := range p.Recipients {
		email, err := normalizeEmail(in.Email)
		if err != nil {
			return nil, fmt.Errorf("%w: recipients[%d]: %v", ErrValidation, i, err)
		}
		if j, dup := seen[email]; dup {
			return nil, fmt.Errorf("%w: recipients[%d] duplicates email of recipients[%d]", ErrValidation, i, j)
		}
		seen[email] = i

		role := in.Role
		if role == "" {
			role = RoleSigner
		}
		if !role.Valid() {
			return nil, fmt.Errorf("%w: recipients[%d].role %q is invalid", ErrValidation, i, in.Role)
		}
		order := i
		if in.Order != nil {
			order = *in.Order
		}
		if order < 0 {
			return nil, fmt.Errorf("%w: recipients[%d].order must be non-negative", ErrValidation, i)
		}
		env.Recipients = append(env.Recipients, Recipient{
			ID:    protocol.NewID("rcp"),
			Email: email,
			Name:  strings.TrimSpace(in.Name),
			Role:  role,
			Order: order,
			State: StatePending,
		})
	}

	if _, err := env.Audit.Append(p.Actor, audit.EventEnvelopeCreated, createdPayload(env), now); err != nil {
		return nil, err
	}
	return env, nil
}

func normalizeSettings(s Settings) (Settings, error) {
	if s.SigningOrder == "" {
		s.SigningOrder = SigningParallel
	}
	if s.SigningOrder != SigningParallel && s.SigningOrder != SigningSequential {
		return s, fmt.Errorf("%w: signing_order %q is invalid", ErrValidation, s.SigningOrder)
	}
	if s.ExpirationDays < 0 {
		return s, fmt.Errorf("%w: expiration_days must be non-negative", ErrValidation)
	}
	if s.ReminderFrequency == "" {
		s.ReminderFrequency = ReminderDaily
	}
	switch s.ReminderFrequency {
	case ReminderNone, ReminderDaily, ReminderWeekly:
	default:
		return s, fmt.Errorf("%w: reminder_frequency %q is invalid", ErrValidation, s.ReminderFrequency)
	}
	return s, nil
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("email is required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", fmt.Errorf("email %q is invalid", raw)
	}
	return strings.ToLower(addr.Address), nil
}

func createdPayload(env *Envelope) map[string]any {
	recipients := make([]map[string]any, 0, len(env.Recipients))
	for _, r := range env.Recipients {
		recipients = append(recipients, map[string]any{
			"id":    r.ID,
			"email": r.Email,
			"role":  string(r.Role),
			"order": r.Order,
		})
	}
	docs := make([]map[string]any, 0, len(env.Documents))
	for _, d := range env.Documents {
		docs = append(docs, map[string]any{"id": d.ID, "content_hash": d.ContentHash})
	}
	out := map[string]any{
		"name":       env.Name,
		"documents":  docs,
		"recipients": recipients,
		"settings":   env.Settings,
	}
	if env.Message != "" {
		out["message"] = env.Message
	}
	return out
}

// Clone returns a deep copy. Commands mutate the clone and swap it in only
// after every step succeeded.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Documents = append([]Document(nil), e.Documents...)
	out.Recipients = append([]Recipient(nil), e.Recipients...)
	out.Audit = append(audit.Log(nil), e.Audit...)
	return &out
}

func (e *Envelope) Recipient(id string) (*Recipient, bool) {
	for i := range e.Recipients {
		if e.Recipients[i].ID == id {
			return &e.Recipients[i], true
		}
	}
	return nil, false
}

func (e *Envelope) RecipientByEmail(email string) (*Recipient, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	for i := range e.Recipients {
		if e.Recipients[i].Email == email {
			return &e.Recipients[i], true
		}
	}
	return nil, false
}

func (e *Envelope) requiredCount() int {
	n := 0
	for _, r := range e.Recipients {
		if r.Role.Required() {
			n++
		}
	}
	return n
}

// Expired reports whether the deadline has passed at now. Envelopes without a
// deadline never expire.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpirationDeadline.IsZero() && now.After(e.ExpirationDeadline)
}
