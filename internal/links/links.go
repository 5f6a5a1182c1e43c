package links

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "signoff"
	audience = "signoff.signing-link"
)

var ErrInvalidToken = errors.New("invalid signing link")

// Claims bind a signing link to exactly one recipient of one envelope.
type Claims struct {
	jwt.RegisteredClaims
	EnvelopeID  string `json:"env"`
	RecipientID string `json:"rcp"`
	Email       string `json:"email"`
}

type Issuer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewIssuer(secret, baseURL string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("signing link secret must be at least 32 bytes")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid signing link base url %q", baseURL)
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Issuer{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Issue returns the recipient-facing URL and the bare token. The token
// expires at issue time plus ttl or at the envelope deadline, whichever is earlier.
func (i *Issuer) Issue(envelopeID, recipientID, email string, deadline time.Time) (string, string, error) {
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	if !deadline.IsZero() && deadline.Before(expires) {
		expires = deadline
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   recipientID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		EnvelopeID:  envelopeID,
		RecipientID: recipientID,
		Email:       email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign link: %w", err)
	}
	return i.baseURL + "/v1/sign/" + token, token, nil
}

func (i *Issuer) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.EnvelopeID == "" || claims.RecipientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
