// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Keys holds the ed25519 pair that signs and verifies guest session tokens,
// plus the token lifetime. The pair is generated at startup, so sessions
// minted before a restart become invalid, which is fine for guest identity.
type Keys struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	ttl     time.Duration
}

// NewKeys generates a fresh key pair. TOKEN_EXPIRE_TIME controls the token
// lifetime: a Go duration string, or "never"/"0"/"" for no expiry.
func NewKeys() (*Keys, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key pair: %w", err)
	}
	ttl, err := parseTokenTTL(os.Getenv("TOKEN_EXPIRE_TIME"))
	if err != nil {
		return nil, fmt.Errorf("parsing TOKEN_EXPIRE_TIME: %w", err)
	}
	return &Keys{private: priv, public: pub, ttl: ttl}, nil
}

func parseTokenTTL(raw string) (time.Duration, error) {
	if raw == "" || raw == "0" || raw == "never" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// Mint creates a signed token with "sub" = userID.
func (k *Keys) Mint(userID string) (string, error) {
	claims := jwt.MapClaims{"sub": userID}
	if k.ttl > 0 {
		claims["exp"] = time.Now().Add(k.ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(k.private)
}

// Verify checks a token's signature and returns its "sub" claim.
func (k *Keys) Verify(tokenString string) (string, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return k.public, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("token has no sub claim")
	}
	return sub, nil
}
