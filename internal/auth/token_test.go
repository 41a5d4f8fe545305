package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	token, err := Sign("1", "host-a", "mock", time.Minute)
	require.NoError(t, err)

	v := NewVerifier(map[string]string{"1": "mock"})
	assert.NoError(t, v.Verify("1", "host-a", token))
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := Sign("1", "host-a", "not-the-secret", time.Minute)
	require.NoError(t, err)

	v := NewVerifier(map[string]string{"1": "mock"})
	assert.ErrorIs(t, v.Verify("1", "host-a", token), ErrInvalidToken)
}

func TestVerify_UnknownApp(t *testing.T) {
	token, err := Sign("2", "host-a", "mock", time.Minute)
	require.NoError(t, err)

	v := NewVerifier(map[string]string{"1": "mock"})
	assert.ErrorIs(t, v.Verify("2", "host-a", token), ErrUnknownApp)
}

func TestVerify_IdentityMismatch(t *testing.T) {
	token, err := Sign("1", "host-a", "mock", time.Minute)
	require.NoError(t, err)

	v := NewVerifier(map[string]string{"1": "mock"})
	assert.ErrorIs(t, v.Verify("1", "host-b", token), ErrMismatch)
}

// signAt signs a token as an agent whose clock reads now.
func signAt(t *testing.T, now time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "host-a",
		"app": "1",
		"iat": now.Unix(),
		"exp": now.Add(DefaultTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("mock"))
	require.NoError(t, err)
	return token
}

func TestVerify_Expired(t *testing.T) {
	token := signAt(t, time.Now().Add(-10*time.Minute))

	v := NewVerifier(map[string]string{"1": "mock"})
	assert.ErrorIs(t, v.Verify("1", "host-a", token), ErrExpiredToken)
}

func TestVerify_ToleratesClockSkew(t *testing.T) {
	behind := signAt(t, time.Now().Add(-2*time.Minute))
	ahead := signAt(t, time.Now().Add(2*time.Minute))

	v := NewVerifier(map[string]string{"1": "mock"})
	assert.NoError(t, v.Verify("1", "host-a", behind))
	assert.NoError(t, v.Verify("1", "host-a", ahead))

	strict := NewVerifier(map[string]string{"1": "mock"}, WithLeeway(0))
	assert.ErrorIs(t, strict.Verify("1", "host-a", behind), ErrExpiredToken)
}

func TestVerify_Garbage(t *testing.T) {
	v := NewVerifier(map[string]string{"1": "mock"})
	assert.ErrorIs(t, v.Verify("1", "host-a", "not.a.jwt"), ErrInvalidToken)
}
