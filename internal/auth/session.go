// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie that carries the session token.
const CookieName = "auth_token"

// ErrNoToken is returned when a request carries neither the cookie nor a
// bearer token.
var ErrNoToken = errors.New("no auth token")

// Issuer signs and verifies EdDSA session tokens whose "sub" is the user id.
type Issuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	// ttl of 0 issues tokens without an exp claim.
	ttl time.Duration
}

// NewIssuer generates a fresh ed25519 key pair at runtime. Tokens do not
// survive a restart.
func NewIssuer(ttl time.Duration) (*Issuer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Issuer{privateKey: priv, publicKey: pub, ttl: ttl}, nil
}

// LoadIssuer reads raw ed25519 keys from disk.
func LoadIssuer(privatePath, publicPath string, ttl time.Duration) (*Issuer, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, errors.New("ed25519 key files have the wrong size")
	}
	return &Issuer{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		ttl:        ttl,
	}, nil
}

// ParseTTL accepts a Go duration, or "never", "0" or "" for tokens that do
// not expire.
func ParseTTL(s string) (time.Duration, error) {
	if s == "never" || s == "0" || s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// CreateJWT signs a token for userID.
func (i *Issuer) CreateJWT(userID uuid.UUID) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": time.Now().Unix(),
	}
	if i.ttl > 0 {
		claims["exp"] = time.Now().Add(i.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(i.privateKey)
}

// AuthenticateJWT verifies a token and returns the user id in its "sub".
func (i *Issuer) AuthenticateJWT(tokenString string) (uuid.UUID, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.publicKey, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, errors.New("missing sub in jwt")
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid sub in jwt: %w", err)
	}
	return id, nil
}

// TokenFromRequest extracts the token from the auth cookie or an
// "Authorization: Bearer" header, in that order.
func TokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok, nil
		}
	}
	return "", ErrNoToken
}

// Authenticate verifies the token carried by r.
func (i *Issuer) Authenticate(r *http.Request) (uuid.UUID, error) {
	tok, err := TokenFromRequest(r)
	if err != nil {
		return uuid.Nil, err
	}
	return i.AuthenticateJWT(tok)
}
