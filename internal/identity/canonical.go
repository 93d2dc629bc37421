// ABOUTME: Canonical form for public keys stored as hex, base64, or raw bytes
// ABOUTME: Everything is compared as lower-case hexadecimal

package identity

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned when a value cannot be read as a public key.
var ErrInvalidKey = errors.New("invalid public key")

// MinPrefixLen is the shortest hex prefix accepted for resolution.
const MinPrefixLen = 4

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// CanonicalKey returns the lower-case hex form of a key stored as raw bytes,
// a hex string, or a base64 string.
func CanonicalKey(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	case []byte:
		if len(t) == 0 {
			return "", fmt.Errorf("%w: empty", ErrInvalidKey)
		}
		// Some stores hand back text columns as bytes.
		if s := string(t); isHex(s) && len(t) != 32 {
			return strings.ToLower(s), nil
		}
		return hex.EncodeToString(t), nil
	case string:
		return canonicalString(t)
	}
	return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidKey, v)
}

func canonicalString(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if isHex(s) {
		return strings.ToLower(s), nil
	}
	for _, enc := range base64Encodings {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return hex.EncodeToString(b), nil
		}
	}
	return "", fmt.Errorf("%w: neither hex nor base64", ErrInvalidKey)
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// CanonicalPrefix normalizes a fingerprint fragment for prefix matching.
// Unlike keys, prefixes may have odd length.
func CanonicalPrefix(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	p = strings.TrimPrefix(strings.TrimPrefix(p, "!"), "0x")
	p = strings.ReplaceAll(p, ":", "")
	if len(p) < MinPrefixLen {
		return "", fmt.Errorf("%w: prefix shorter than %d", ErrInvalidKey, MinPrefixLen)
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", fmt.Errorf("%w: prefix is not hex", ErrInvalidKey)
		}
	}
	return p, nil
}
