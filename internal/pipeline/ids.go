package pipeline

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// NewFileID mints an opaque file identifier from entropy (crypto/rand when
// nil). The same entropy yields the same identifier.
func NewFileID(entropy io.Reader) (string, error) { return newID("file", entropy) }

// NewUserID mints a stateless user identifier, for rate-limit buckets of
// callers that have no identity of their own.
func NewUserID(entropy io.Reader) (string, error) { return newID("user", entropy) }

func newID(kind string, entropy io.Reader) (string, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	u, err := uuid.NewRandomFromReader(entropy)
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", kind, err)
	}
	sum := sha256.Sum256([]byte(kind + "-" + u.String()))
	return hex.EncodeToString(sum[:]), nil
}
