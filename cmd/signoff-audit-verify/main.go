package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/archive"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/audit"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
)

// Verifies an exported audit trail or an archive record against the
// deployment's public signing key.
func main() {
	inPath := flag.String("in", "", "path to an audit trail export or archive record json")
	publicKeyPath := flag.String("public-key", "", "ed25519 public key path")
	flag.Parse()

	if *inPath == "" || *publicKeyPath == "" {
		fmt.Fprintln(os.Stderr, "-in and -public-key are required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*inPath)
	if err != nil {
		fail("read input", err)
	}
	trail, err := readTrail(raw)
	if err != nil {
		fail("decode input", err)
	}
	pub, err := crypto.LoadPublicKey(*publicKeyPath)
	if err != nil {
		fail("load public key", err)
	}

	result, err := audit.VerifySignedTrail(pub, trail)
	if err != nil {
		fail("verify signature", err)
	}

	fmt.Printf("envelope:%s status=%s events=%d\n", trail.Trail.EnvelopeID, trail.Trail.Status, len(trail.Trail.Events))
	fmt.Printf("signature_kid:%s\n", trail.Signature.Kid)
	fmt.Printf("chain_valid:%t\n", result.Valid)
	if !result.Valid {
		fmt.Printf("first_invalid_sequence:%d reason=%s\n", result.FirstInvalidSequence, result.Reason)
		os.Exit(1)
	}
}

// readTrail accepts either a bare signed trail or an archive record wrapping one.
func readTrail(raw []byte) (audit.SignedTrail, error) {
	var rec archive.Record
	if err := decodeStrictJSON(raw, &rec); err == nil && rec.Envelope != nil {
		return rec.AuditTrail, nil
	}
	var trail audit.SignedTrail
	if err := decodeStrictJSON(raw, &trail); err != nil {
		return audit.SignedTrail{}, err
	}
	if trail.Trail.EnvelopeID == "" {
		return audit.SignedTrail{}, errors.New("input is neither an audit trail nor an archive record")
	}
	return trail, nil
}

func decodeStrictJSON(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("json payload must contain a single value")
	}
	return nil
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
