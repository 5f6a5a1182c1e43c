package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

const AlgEd25519 = "ed25519"

// Signature is a detached signature over the canonical JSON of a document.
type Signature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

type Signer struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	KeyID   string
}

func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key length %d invalid", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{Private: priv, Public: pub, KeyID: KeyID(pub)}, nil
}

// GenerateSigner creates an ephemeral key, used when no key files are configured.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewSigner(priv)
}

func LoadSigner(privatePath, publicPath string) (*Signer, error) {
	priv, err := loadPrivateKey(privatePath)
	if err != nil {
		return nil, err
	}
	s, err := NewSigner(priv)
	if err != nil {
		return nil, err
	}
	if publicPath == "" {
		return s, nil
	}
	pub, err := loadPublicKey(publicPath)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(s.Public, pub) {
		return nil, errors.New("public key does not match private key")
	}
	return s, nil
}

func (s *Signer) Sign(payload []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(s.Private, payload))
}

// SignDocument signs the canonical JSON encoding of v.
func (s *Signer) SignDocument(v any) (Signature, error) {
	raw, err := protocol.CanonicalJSON(v)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Alg: AlgEd25519, Kid: s.KeyID, Sig: s.Sign(raw)}, nil
}

func Verify(pub ed25519.PublicKey, payload []byte, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

func VerifyDocument(pub ed25519.PublicKey, v any, sig Signature) error {
	if sig.Alg != AlgEd25519 {
		return fmt.Errorf("unsupported signature alg %q", sig.Alg)
	}
	if want := KeyID(pub); sig.Kid != want {
		return fmt.Errorf("signature key id mismatch: got %s want %s", sig.Kid, want)
	}
	raw, err := protocol.CanonicalJSON(v)
	if err != nil {
		return err
	}
	if !Verify(pub, raw, sig.Sig) {
		return errors.New("invalid signature")
	}
	return nil
}

func KeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return AlgEd25519 + ":" + hex.EncodeToString(h[:8])
}
