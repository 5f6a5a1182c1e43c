package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/audit"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

// Every exported mutation works on a clone and commits it only on success, so
// a rejected command leaves the receiver untouched.
func (e *Envelope) commit(next *Envelope, now time.Time) {
	next.UpdatedAt = now.UTC()
	*e = *next
}

func (e *Envelope) Dispatch(actor string, now time.Time) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if e.Status != StatusDraft {
		return fmt.Errorf("%w: status is %s", ErrAlreadyDispatched, e.Status)
	}
	if e.requiredCount() == 0 {
		return ErrEmptyRecipientList
	}

	next := e.Clone()
	now = now.UTC()
	next.Status = StatusDispatched
	next.DispatchedAt = now
	if next.Settings.ExpirationDays > 0 {
		next.ExpirationDeadline = now.AddDate(0, 0, next.Settings.ExpirationDays)
	}
	notified := make([]string, 0, len(next.Recipients))
	for i := range next.Recipients {
		changed, err := next.Recipients[i].Notify(now)
		if err != nil {
			return err
		}
		if changed {
			notified = append(notified, next.Recipients[i].ID)
		}
	}
	payload := map[string]any{
		"signing_order": string(next.Settings.SigningOrder),
		"notified":      notified,
	}
	if !next.ExpirationDeadline.IsZero() {
		payload["expiration_deadline"] = next.ExpirationDeadline.Format(time.RFC3339Nano)
	}
	if _, err := next.Audit.Append(actor, audit.EventEnvelopeDispatched, payload, now); err != nil {
		return err
	}
	e.commit(next, now)
	return nil
}

// Decide applies a recipient decision and recomputes the envelope status.
func (e *Envelope) Decide(d Decision, now time.Time) (Recipient, error) {
	if d.Kind != DecisionSign && d.Kind != DecisionDecline {
		return Recipient{}, fmt.Errorf("%w: decision %q is invalid", ErrValidation, d.Kind)
	}
	if d.Kind == DecisionSign && strings.TrimSpace(d.Artifact) == "" {
		return Recipient{}, fmt.Errorf("%w: signature artifact is required", ErrValidation)
	}
	if err := e.checkOpen(now); err != nil {
		return Recipient{}, err
	}
	r, ok := e.Recipient(d.RecipientID)
	if !ok {
		return Recipient{}, fmt.Errorf("%w: %s", ErrRecipientNotFound, d.RecipientID)
	}
	if err := r.canDecide(); err != nil {
		return Recipient{}, err
	}
	if e.Settings.RequireAuthentication && !d.Authenticated {
		return Recipient{}, ErrAuthenticationRequired
	}
	if blocker, blocked := e.orderBlocker(r); blocked {
		return Recipient{}, fmt.Errorf("%w: waiting on recipient %s (order %d)", ErrOutOfOrder, blocker.ID, blocker.Order)
	}

	next := e.Clone()
	now = now.UTC()
	nr, _ := next.Recipient(d.RecipientID)
	nr.decide(d.Kind, d.Artifact, d.IPAddress, now)

	eventType := audit.EventRecipientSigned
	if d.Kind == DecisionDecline {
		eventType = audit.EventRecipientDeclined
	}
	payload := map[string]any{
		"recipient_id":  nr.ID,
		"decision":      string(d.Kind),
		"artifact_hash": protocol.SHA256Hex([]byte(d.Artifact)),
		"ip_address":    d.IPAddress,
		"authenticated": d.Authenticated,
	}
	if !d.ClientTimestamp.IsZero() {
		payload["client_timestamp"] = d.ClientTimestamp.UTC().Format(time.RFC3339Nano)
	}
	if _, err := next.Audit.Append(nr.ID, eventType, payload, now); err != nil {
		return Recipient{}, err
	}
	if _, err := next.recompute(nr.ID, now); err != nil {
		return Recipient{}, err
	}
	out := *nr
	e.commit(next, now)
	return out, nil
}

func (e *Envelope) checkOpen(now time.Time) error {
	switch {
	case e.Status == StatusDraft:
		return fmt.Errorf("%w: envelope has not been dispatched", ErrInvalidTransition)
	case e.Status == StatusExpired:
		return ErrExpired
	case e.Status.Terminal():
		return fmt.Errorf("%w: status is %s", ErrEnvelopeClosed, e.Status)
	case e.Expired(now):
		return ErrExpired
	}
	return nil
}

// orderBlocker returns the first required recipient with a strictly lower
// order that has not signed yet. Parallel envelopes never block.
func (e *Envelope) orderBlocker(r *Recipient) (Recipient, bool) {
	if e.Settings.SigningOrder != SigningSequential {
		return Recipient{}, false
	}
	for _, other := range e.Recipients {
		if !other.Role.Required() || other.ID == r.ID {
			continue
		}
		if other.Order < r.Order && other.State != StateSigned {
			return other, true
		}
	}
	return Recipient{}, false
}

// Refresh re-evaluates the aggregate status at now. It reports whether the
// envelope changed; calling it again without new events is a no-op.
func (e *Envelope) Refresh(now time.Time) (bool, error) {
	if !e.Status.Open() {
		return false, nil
	}
	next := e.Clone()
	changed, err := next.recompute(SystemActor, now)
	if err != nil || !changed {
		return false, err
	}
	e.commit(next, now)
	return true, nil
}

func (e *Envelope) recompute(actor string, now time.Time) (bool, error) {
	if !e.Status.Open() {
		return false, nil
	}
	now = now.UTC()
	required, signed := 0, 0
	var declined []string
	for _, r := range e.Recipients {
		if !r.Role.Required() {
			continue
		}
		required++
		switch r.State {
		case StateSigned:
			signed++
		case StateDeclined:
			declined = append(declined, r.ID)
		}
	}

	switch {
	case len(declined) > 0:
		return true, e.finalize(actor, StatusDeclined, audit.EventEnvelopeDeclined, map[string]any{"declined_by": declined}, now)
	case required > 0 && signed == required:
		return true, e.finalize(actor, StatusCompleted, audit.EventEnvelopeCompleted, map[string]any{"signed": signed}, now)
	case e.Expired(now):
		var expired []string
		for i := range e.Recipients {
			if e.Recipients[i].expire() {
				expired = append(expired, e.Recipients[i].ID)
			}
		}
		payload := map[string]any{
			"expiration_deadline": e.ExpirationDeadline.Format(time.RFC3339Nano),
			"expired_recipients":  expired,
		}
		return true, e.finalize(SystemActor, StatusExpired, audit.EventEnvelopeExpired, payload, now)
	}

	status := StatusDispatched
	if signed > 0 {
		status = StatusPartiallySigned
	}
	if status == e.Status {
		return false, nil
	}
	e.Status = status
	return true, nil
}

func (e *Envelope) finalize(actor string, status Status, eventType string, payload map[string]any, now time.Time) error {
	e.Status = status
	e.FinalizedAt = now
	_, err := e.Audit.Append(actor, eventType, payload, now)
	return err
}

// Void closes any non-terminal envelope on operator request.
func (e *Envelope) Void(actor, reason string, now time.Time) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrEnvelopeClosed, e.Status)
	}
	next := e.Clone()
	now = now.UTC()
	next.VoidReason = strings.TrimSpace(reason)
	if err := next.finalize(actor, StatusVoided, audit.EventEnvelopeVoided, map[string]any{"reason": next.VoidReason, "previous_status": string(e.Status)}, now); err != nil {
		return err
	}
	e.commit(next, now)
	return nil
}

// RecordView marks the recipient as having opened the envelope. Views on a
// closed envelope or by an already decided recipient are ignored.
func (e *Envelope) RecordView(recipientID string, now time.Time) (bool, error) {
	r, ok := e.Recipient(recipientID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRecipientNotFound, recipientID)
	}
	if e.Status == StatusDraft {
		return false, fmt.Errorf("%w: envelope has not been dispatched", ErrInvalidTransition)
	}
	if e.Status.Terminal() || r.State != StateNotified {
		return false, nil
	}

	next := e.Clone()
	now = now.UTC()
	nr, _ := next.Recipient(recipientID)
	if _, err := nr.RecordView(now); err != nil {
		return false, err
	}
	if _, err := next.Audit.Append(nr.ID, audit.EventRecipientViewed, map[string]any{"recipient_id": nr.ID}, now); err != nil {
		return false, err
	}
	e.commit(next, now)
	return true, nil
}

// Reassign substitutes the identity of an undecided signer or approver.
// Dispatched envelopes re-notify the new identity.
func (e *Envelope) Reassign(recipientID, email, name, actor string, now time.Time) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if !e.Settings.AllowReassign {
		return ErrReassignNotAllowed
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrEnvelopeClosed, e.Status)
	}
	r, ok := e.Recipient(recipientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, recipientID)
	}
	if !r.Role.Required() {
		return fmt.Errorf("%w: %s recipients cannot be reassigned", ErrInvalidTransition, r.Role)
	}
	if r.State.Decided() {
		return ErrAlreadyDecided
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if other, exists := e.RecipientByEmail(normalized); exists && other.ID != recipientID {
		return fmt.Errorf("%w: email already used by recipient %s", ErrValidation, other.ID)
	}

	next := e.Clone()
	now = now.UTC()
	nr, _ := next.Recipient(recipientID)
	previous := nr.Email
	nr.Email = normalized
	if strings.TrimSpace(name) != "" {
		nr.Name = strings.TrimSpace(name)
	}
	if next.Status.Open() {
		nr.State = StateNotified
		nr.NotifiedAt = now
		nr.ViewedAt = time.Time{}
		nr.LastRemindedAt = time.Time{}
	}
	payload := map[string]any{
		"recipient_id":   nr.ID,
		"previous_email": previous,
		"email":          nr.Email,
	}
	if _, err := next.Audit.Append(actor, audit.EventRecipientReassigned, payload, now); err != nil {
		return err
	}
	e.commit(next, now)
	return nil
}

// ActiveCohort lists the undecided required recipients allowed to decide now.
// For sequential envelopes that is every recipient sharing the lowest order
// not yet fully signed.
func (e *Envelope) ActiveCohort() []Recipient {
	if !e.Status.Open() {
		return nil
	}
	lowest, found := 0, false
	if e.Settings.SigningOrder == SigningSequential {
		for _, r := range e.Recipients {
			if r.Role.Required() && r.State != StateSigned && (!found || r.Order < lowest) {
				lowest, found = r.Order, true
			}
		}
	}
	var out []Recipient
	for _, r := range e.Recipients {
		if !r.Role.Required() || r.State.Terminal() {
			continue
		}
		if found && r.Order != lowest {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DueReminders returns the ids of active recipients whose last contact is
// older than the reminder interval.
func (e *Envelope) DueReminders(now time.Time) []string {
	interval := e.Settings.ReminderFrequency.Interval()
	if interval <= 0 || !e.Status.Open() || e.Expired(now) {
		return nil
	}
	var due []string
	for _, r := range e.ActiveCohort() {
		last := r.lastContact()
		if last.IsZero() || now.Sub(last) >= interval {
			due = append(due, r.ID)
		}
	}
	return due
}

func (e *Envelope) MarkReminded(ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	next := e.Clone()
	now = now.UTC()
	for _, id := range ids {
		r, ok := next.Recipient(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrRecipientNotFound, id)
		}
		r.LastRemindedAt = now
	}
	if _, err := next.Audit.Append(SystemActor, audit.EventReminderSent, map[string]any{"recipients": ids}, now); err != nil {
		return err
	}
	e.commit(next, now)
	return nil
}
