package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/audit"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

// Record is the archival package of a finalized envelope.
type Record struct {
	Envelope   *envelope.Envelope `json:"envelope"`
	AuditTrail audit.SignedTrail  `json:"audit_trail"`
	ArchivedAt time.Time          `json:"archived_at"`
}

// Archiver stores finalized envelopes and returns the location written.
type Archiver interface {
	Archive(ctx context.Context, rec Record) (string, error)
}

// ObjectKey names the archive object; one object per terminal transition.
func ObjectKey(rec Record) string {
	env := rec.Envelope
	return fmt.Sprintf("envelopes/%s/%s-%d.json", env.ID, env.Status, env.FinalizedAt.UnixNano())
}

func encode(rec Record) ([]byte, string, error) {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode archive record: %w", err)
	}
	return raw, protocol.SHA256Hex(raw), nil
}

type FileArchiver struct {
	dir string
}

func NewFileArchiver(dir string) (*FileArchiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchiver{dir: dir}, nil
}

func (f *FileArchiver) Archive(_ context.Context, rec Record) (string, error) {
	raw, _, err := encode(rec)
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, filepath.FromSlash(ObjectKey(rec)))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create archive path: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit archive: %w", err)
	}
	return path, nil
}

// Discard drops records; used when archival is disabled.
type Discard struct{}

func (Discard) Archive(context.Context, Record) (string, error) { return "", nil }
