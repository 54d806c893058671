package auth

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	iss, err := NewIssuer(time.Hour)
	require.NoError(t, err)
	id := uuid.New()

	tok, err := iss.CreateJWT(id)
	require.NoError(t, err)
	got, err := iss.AuthenticateJWT(tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestForeignKeyRejected(t *testing.T) {
	a, err := NewIssuer(0)
	require.NoError(t, err)
	b, err := NewIssuer(0)
	require.NoError(t, err)

	tok, err := a.CreateJWT(uuid.New())
	require.NoError(t, err)
	_, err = b.AuthenticateJWT(tok)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	claims := jwt.MapClaims{"sub": uuid.NewString(), "exp": time.Now().Add(-time.Minute).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(iss.privateKey)
	require.NoError(t, err)

	_, err = iss.AuthenticateJWT(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestNonUUIDSubjectRejected(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{"sub": "bob"}).SignedString(iss.privateKey)
	require.NoError(t, err)
	_, err = iss.AuthenticateJWT(tok)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := TokenFromRequest(r)
	assert.ErrorIs(t, err, ErrNoToken)

	r.Header.Set("Authorization", "Bearer abc")
	tok, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "fromcookie"})
	tok, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "fromcookie", tok)
}

func TestParseTTL(t *testing.T) {
	for _, s := range []string{"", "0", "never"} {
		d, err := ParseTTL(s)
		require.NoError(t, err)
		assert.Zero(t, d)
	}
	d, err := ParseTTL("72h")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)
	_, err = ParseTTL("soon")
	assert.Error(t, err)
}

func TestLoadIssuer(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "key")
	pubPath := filepath.Join(dir, "key.pub")
	require.NoError(t, os.WriteFile(privPath, priv, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pub, 0o644))

	iss, err := LoadIssuer(privPath, pubPath, 0)
	require.NoError(t, err)
	id := uuid.New()
	tok, err := iss.CreateJWT(id)
	require.NoError(t, err)
	got, err := iss.AuthenticateJWT(tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
