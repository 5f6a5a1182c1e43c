package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

const (
	EventEnvelopeCreated     = "envelope_created"
	EventEnvelopeDispatched  = "envelope_dispatched"
	EventRecipientViewed     = "recipient_viewed"
	EventRecipientSigned     = "recipient_signed"
	EventRecipientDeclined   = "recipient_declined"
	EventRecipientReassigned = "recipient_reassigned"
	EventReminderSent        = "reminder_sent"
	EventEnvelopeCompleted   = "envelope_completed"
	EventEnvelopeDeclined    = "envelope_declined"
	EventEnvelopeExpired     = "envelope_expired"
	EventEnvelopeVoided      = "envelope_voided"
)

// GenesisHash is the previous hash of sequence 0.
var GenesisHash = protocol.SHA256Hex([]byte("signoff:audit:genesis:v1"))

type Event struct {
	SequenceNumber int64     `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	Actor          string    `json:"actor"`
	EventType      string    `json:"event_type"`
	PayloadHash    string    `json:"payload_hash,omitempty"`
	PreviousHash   string    `json:"previous_hash"`
	Hash           string    `json:"hash"`
}

// Log is an append-only, hash-chained sequence of events. Callers must only
// grow it through Append.
type Log []Event

type VerifyResult struct {
	Valid bool `json:"valid"`
	// FirstInvalidSequence is -1 when the chain is valid.
	FirstInvalidSequence int64  `json:"first_invalid_sequence"`
	Reason               string `json:"reason,omitempty"`
}

func (l *Log) Append(actor, eventType string, payload any, at time.Time) (Event, error) {
	if actor == "" {
		return Event{}, errors.New("audit actor is required")
	}
	if eventType == "" {
		return Event{}, errors.New("audit event type is required")
	}
	payloadHash := ""
	if payload != nil {
		h, err := protocol.HashCanonical(payload)
		if err != nil {
			return Event{}, fmt.Errorf("hash audit payload: %w", err)
		}
		payloadHash = h
	}

	prev := GenesisHash
	if n := len(*l); n > 0 {
		prev = (*l)[n-1].Hash
	}
	ev := Event{
		SequenceNumber: int64(len(*l)),
		Timestamp:      at.UTC(),
		Actor:          actor,
		EventType:      eventType,
		PayloadHash:    payloadHash,
		PreviousHash:   prev,
	}
	h, err := EventHash(ev)
	if err != nil {
		return Event{}, err
	}
	ev.Hash = h
	*l = append(*l, ev)
	return ev, nil
}

func (l Log) Last() (Event, bool) {
	if len(l) == 0 {
		return Event{}, false
	}
	return l[len(l)-1], true
}

func (l Log) Verify() VerifyResult {
	prev := GenesisHash
	for i, ev := range l {
		if ev.SequenceNumber != int64(i) {
			return invalid(int64(i), fmt.Sprintf("expected sequence %d, found %d", i, ev.SequenceNumber))
		}
		if ev.PreviousHash != prev {
			return invalid(ev.SequenceNumber, "previous hash does not match chain")
		}
		h, err := EventHash(ev)
		if err != nil {
			return invalid(ev.SequenceNumber, err.Error())
		}
		if h != ev.Hash {
			return invalid(ev.SequenceNumber, "event hash mismatch")
		}
		prev = ev.Hash
	}
	return VerifyResult{Valid: true, FirstInvalidSequence: -1}
}

// EventHash digests the event tuple. The event's own Hash field is excluded.
func EventHash(ev Event) (string, error) {
	shape := struct {
		SequenceNumber int64  `json:"sequence_number"`
		Timestamp      string `json:"timestamp"`
		Actor          string `json:"actor"`
		EventType      string `json:"event_type"`
		PayloadHash    string `json:"payload_hash"`
		PreviousHash   string `json:"previous_hash"`
	}{
		SequenceNumber: ev.SequenceNumber,
		Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:          ev.Actor,
		EventType:      ev.EventType,
		PayloadHash:    ev.PayloadHash,
		PreviousHash:   ev.PreviousHash,
	}
	return protocol.HashCanonical(shape)
}

func invalid(seq int64, reason string) VerifyResult {
	return VerifyResult{Valid: false, FirstInvalidSequence: seq, Reason: reason}
}
