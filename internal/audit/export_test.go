package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
)

func TestSignedTrailRoundTrip(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	l := buildLog(t, 3)
	st, err := SignTrail(signer, NewTrail("env_1", "completed", l, time.Now()))
	if err != nil {
		t.Fatalf("SignTrail: %v", err)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded SignedTrail
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, err := VerifySignedTrail(signer.Public, decoded)
	if err != nil {
		t.Fatalf("VerifySignedTrail: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid chain, got %+v", res)
	}

	decoded.Trail.Events[1].Actor = "someone-else"
	if _, err := VerifySignedTrail(signer.Public, decoded); err == nil {
		t.Fatalf("expected signature failure after tampering")
	}
}

func TestVerifySignedTrailRequiresSignature(t *testing.T) {
	st, _ := SignTrail(nil, NewTrail("env_1", "draft", buildLog(t, 1), time.Now()))
	signer, _ := crypto.GenerateSigner()
	if _, err := VerifySignedTrail(signer.Public, st); err == nil {
		t.Fatalf("expected unsigned trail rejected")
	}
}
