package protocol

import (
	"strings"
	"testing"
)

func TestHashCanonicalIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"envelope_id": "env_1", "recipient": map[string]any{"b": 2, "a": 1}}
	b := map[string]any{"recipient": map[string]any{"a": 1, "b": 2}, "envelope_id": "env_1"}
	h1, err := HashCanonical(a)
	if err != nil {
		t.Fatalf("HashCanonical error: %v", err)
	}
	h2, err := HashCanonical(b)
	if err != nil {
		t.Fatalf("HashCanonical error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hashes, got %q and %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected hex sha256, got %q", h1)
	}
}

func TestCanonicalJSONNumbers(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"z": 1.0, "a": "x"})
	if err != nil {
		t.Fatalf("CanonicalJSON error: %v", err)
	}
	if string(out) != `{"a":"x","z":1}` {
		t.Fatalf("unexpected canonical form %s", out)
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID("env")
	if !strings.HasPrefix(id, "env_") {
		t.Fatalf("expected env_ prefix, got %q", id)
	}
	if id == NewID("env") {
		t.Fatalf("expected unique ids")
	}
}
