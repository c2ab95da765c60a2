package identity

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"chiller/backend/internal/apperr"
)

// Verifier confirms that the caller controls login, typically by checking a
// one-time code issued by an external identity provider.
type Verifier interface {
	Verify(ctx context.Context, login, code string) error
}

// HashedCodeVerifier accepts a single shared code whose bcrypt hash comes
// from configuration. It is meant for local and development deployments.
// Without a hash every code is rejected.
type HashedCodeVerifier struct {
	hash []byte
}

// NewHashedCodeVerifier creates a verifier for the given bcrypt hash.
func NewHashedCodeVerifier(hash string) *HashedCodeVerifier {
	return &HashedCodeVerifier{hash: []byte(strings.TrimSpace(hash))}
}

// Verify implements Verifier.
func (v *HashedCodeVerifier) Verify(_ context.Context, _ string, code string) error {
	if len(v.hash) == 0 || code == "" {
		return apperr.ErrInvalidCode
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(code)); err != nil {
		return apperr.ErrInvalidCode
	}
	return nil
}
