package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var b64u = base64.RawURLEncoding

// CanonicalJSON encodes v as RFC 8785 canonical JSON so that hashes are
// stable across encoders and storage round trips.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(b)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

func SHA256B64u(in []byte) string {
	h := sha256.Sum256(in)
	return b64u.EncodeToString(h[:])
}

func SHA256Hex(in []byte) string {
	h := sha256.Sum256(in)
	return hex.EncodeToString(h[:])
}

func HashCanonical(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
