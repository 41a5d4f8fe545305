// Package auth proves possession of an application's shared secret.
//
// The agent signs a short-lived HS256 JWT with its app secret; the
// collector verifies it against the secret it holds for that app. The
// secret itself never travels on the wire.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnknownApp   = errors.New("unknown app")
	ErrMismatch     = errors.New("token identity mismatch")
)

// DefaultTTL bounds how long a signed handshake token stays valid.
const DefaultTTL = time.Minute

// DefaultLeeway is the clock skew tolerated between agent and collector
// when checking token times.
const DefaultLeeway = 5 * time.Minute

const appClaim = "app"

// Sign creates a token asserting agentID belongs to appID.
func Sign(appID, agentID, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    agentID,
		appClaim: appID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verifier checks handshake tokens against per-app secrets.
type Verifier struct {
	secrets map[string][]byte
	leeway  time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway sets the tolerated clock skew. Negative values are ignored.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// NewVerifier creates a Verifier from an appID → secret table.
func NewVerifier(secrets map[string]string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secrets: make(map[string][]byte, len(secrets)),
		leeway:  DefaultLeeway,
	}
	for app, secret := range secrets {
		v.secrets[app] = []byte(secret)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates tokenString for the claimed appID and agentID.
func (v *Verifier) Verify(appID, agentID, tokenString string) error {
	secret, ok := v.secrets[appID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApp, appID)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	app, _ := claims[appClaim].(string)
	if sub != agentID || app != appID {
		return ErrMismatch
	}
	return nil
}
