package artifact

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when an artifact for the given scope / id pair
	// does not exist in the underlying store.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidKey is returned for empty artifact ids or ids escaping their
	// scope.
	ErrInvalidKey = errors.New("invalid artifact id")
)

func validateKey(ctx context.Context, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if artifactID == "" || strings.HasPrefix(artifactID, "/") || strings.Contains(artifactID, "..") {
		return ErrInvalidKey
	}

	return nil
}

// ValidateKey reports whether artifactID is usable as an artifact id.
func ValidateKey(artifactID string) error {
	return validateKey(context.Background(), artifactID)
}
