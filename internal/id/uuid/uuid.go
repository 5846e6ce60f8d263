// Package uuid generates scan and job identifiers and access tokens.
package uuid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// tokenBytes is the entropy of an access token.
const tokenBytes = 32

// Generator creates UUID v7 identifiers and random capability tokens.
// It implements audit.IDGenerator and audit.TokenGenerator.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. IDs sort by creation time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewToken returns 32 random bytes encoded as unpadded base64url.
func (Generator) NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
