// ABOUTME: Administrative credential gate for purge and compaction
// ABOUTME: Accepts a plain or bcrypt-hashed secret; every failure is the same ErrUnauthorized

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for any credential that does not grant access.
var ErrUnauthorized = errors.New("unauthorized")

// dummyHash keeps the cost of a rejected check close to a real bcrypt compare.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z8rD4EoSbpaVfQgGn6Ugu1Oi"

// Gate checks administrative credentials.
type Gate struct {
	hash   []byte // bcrypt hash, when configured that way
	digest []byte // sha256 of a plain secret
}

// NewGate creates a gate for secret. An empty secret disables admin access.
func NewGate(secret string) *Gate {
	g := &Gate{}
	switch {
	case secret == "":
	case isBcrypt(secret):
		g.hash = []byte(secret)
	default:
		sum := sha256.Sum256([]byte(secret))
		g.digest = sum[:]
	}
	return g
}

// Enabled reports whether an admin secret is configured.
func (g *Gate) Enabled() bool {
	return g != nil && (g.hash != nil || g.digest != nil)
}

// Check returns nil when credential matches the configured secret.
func (g *Gate) Check(credential string) error {
	if !g.Enabled() || credential == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(credential))
		return ErrUnauthorized
	}
	if g.hash != nil {
		if bcrypt.CompareHashAndPassword(g.hash, []byte(credential)) != nil {
			return ErrUnauthorized
		}
		return nil
	}
	sum := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(sum[:], g.digest) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// HashSecret returns a bcrypt hash suitable for admin.secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isBcrypt(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
