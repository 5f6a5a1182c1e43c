package envelope

import (
	"fmt"
	"time"
)

// Notify moves a pending recipient to notified. Recipients already notified or
// viewed are left alone.
func (r *Recipient) Notify(now time.Time) (bool, error) {
	switch r.State {
	case StatePending:
		r.State = StateNotified
		r.NotifiedAt = now.UTC()
		return true, nil
	case StateNotified, StateViewed:
		return false, nil
	default:
		return false, fmt.Errorf("%w: cannot notify recipient in state %s", ErrInvalidTransition, r.State)
	}
}

// RecordView moves a notified recipient to viewed. Repeat views and views
// after a decision do not change state.
func (r *Recipient) RecordView(now time.Time) (bool, error) {
	switch r.State {
	case StateNotified:
		r.State = StateViewed
		r.ViewedAt = now.UTC()
		return true, nil
	case StatePending:
		return false, fmt.Errorf("%w: recipient has not been notified", ErrInvalidTransition)
	default:
		return false, nil
	}
}

func (r *Recipient) canDecide() error {
	if !r.Role.Required() {
		return fmt.Errorf("%w: %s recipients do not decide", ErrInvalidTransition, r.Role)
	}
	switch r.State {
	case StateNotified, StateViewed:
		return nil
	case StateSigned, StateDeclined:
		return ErrAlreadyDecided
	case StateExpired:
		return ErrExpired
	default:
		return fmt.Errorf("%w: recipient has not been notified", ErrInvalidTransition)
	}
}

func (r *Recipient) decide(kind DecisionKind, artifact, ip string, now time.Time) {
	if kind == DecisionSign {
		r.State = StateSigned
	} else {
		r.State = StateDeclined
	}
	r.DecisionTimestamp = now.UTC()
	r.DecisionArtifact = artifact
	r.DecisionIP = ip
}

func (r *Recipient) expire() bool {
	switch r.State {
	case StatePending, StateNotified, StateViewed:
		r.State = StateExpired
		return true
	}
	return false
}

// lastContact is the most recent notification or reminder sent to r.
func (r *Recipient) lastContact() time.Time {
	if r.LastRemindedAt.After(r.NotifiedAt) {
		return r.LastRemindedAt
	}
	return r.NotifiedAt
}
