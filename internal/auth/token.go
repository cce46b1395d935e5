package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidToken = errors.New("invalid session token")

// Identity is the verified payload of a session token.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"n"`
}

// Signer issues and verifies HMAC-SHA256 session tokens. Tokens are
// payload.signature, both base64url without padding. The key lives for the
// process lifetime; restarting the server invalidates outstanding tokens.
type Signer struct {
	key []byte
}

func NewSigner() (*Signer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// NewSignerWithKey builds a signer around a fixed key, for tests.
func NewSignerWithKey(key []byte) *Signer {
	return &Signer{key: key}
}

func (s *Signer) Issue(id Identity) (string, error) {
	payload, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("marshaling token payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + s.sign(payload), nil
}

// Verify checks the signature and returns the embedded identity.
func (s *Signer) Verify(token string) (Identity, error) {
	encodedPayload, encodedSig, ok := strings.Cut(token, ".")
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	expected, err := base64.RawURLEncoding.DecodeString(s.sign(payload))
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	actual, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	// Constant-time comparison
	if !hmac.Equal(expected, actual) {
		return Identity{}, ErrInvalidToken
	}

	var id Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return Identity{}, ErrInvalidToken
	}
	if id.ID == "" {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

func (s *Signer) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
