package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewInstanceID returns a fresh opaque questionnaire instance identifier.
func NewInstanceID() string {
	return uuid.NewString()
}

// GenerateID returns prefix followed by the 32 hex digits of a random UUID,
// e.g. "job_3f0c...". Used for row identifiers that are logged and grepped.
func GenerateID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateJobID generates a unique durable job ID with "job_" prefix.
func GenerateJobID() string {
	return GenerateID("job_")
}
