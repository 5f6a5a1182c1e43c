package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
)

// EncodeEnvelope produces the persisted document form of env.
func EncodeEnvelope(env *envelope.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	return raw, nil
}

// DecodeEnvelope parses a persisted document. The version column is
// authoritative over the embedded value.
func DecodeEnvelope(raw []byte, version int64) (*envelope.Envelope, error) {
	var env envelope.Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("envelope document must contain a single object")
	}
	env.Version = version
	return &env, nil
}
