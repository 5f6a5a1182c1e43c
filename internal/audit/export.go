package audit

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
)

// Trail is the exported form of an envelope's audit log.
type Trail struct {
	EnvelopeID   string       `json:"envelope_id"`
	Status       string       `json:"status"`
	Events       Log          `json:"events"`
	Verification VerifyResult `json:"verification"`
	ExportedAt   time.Time    `json:"exported_at"`
}

type SignedTrail struct {
	Trail     Trail             `json:"trail"`
	Signature *crypto.Signature `json:"signature,omitempty"`
}

func NewTrail(envelopeID, status string, events Log, at time.Time) Trail {
	return Trail{
		EnvelopeID:   envelopeID,
		Status:       status,
		Events:       events,
		Verification: events.Verify(),
		ExportedAt:   at.UTC(),
	}
}

func SignTrail(signer *crypto.Signer, t Trail) (SignedTrail, error) {
	out := SignedTrail{Trail: t}
	if signer == nil {
		return out, nil
	}
	sig, err := signer.SignDocument(t)
	if err != nil {
		return out, fmt.Errorf("sign audit trail: %w", err)
	}
	out.Signature = &sig
	return out, nil
}

// VerifySignedTrail checks the export signature and recomputes the chain. The
// embedded verification result is not trusted.
func VerifySignedTrail(pub ed25519.PublicKey, st SignedTrail) (VerifyResult, error) {
	if st.Signature == nil {
		return VerifyResult{}, errors.New("audit trail is not signed")
	}
	if err := crypto.VerifyDocument(pub, st.Trail, *st.Signature); err != nil {
		return VerifyResult{}, err
	}
	return st.Trail.Events.Verify(), nil
}
