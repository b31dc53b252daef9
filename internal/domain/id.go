package domain

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var schemaVersionRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

// NewID returns a prefixed identifier of the form <prefix>_<16 hex chars>.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:8])
}

// NewCorrelationID returns a short alphanumeric token for request tracing.
func NewCorrelationID() string {
	u := uuid.New()
	return "c" + hex.EncodeToString(u[:6])
}

// ValidID reports whether id matches <prefix>_<16 hex chars>.
func ValidID(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok || len(rest) != 16 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// ValidSchemaVersion reports whether v is a two- or three-part version string.
func ValidSchemaVersion(v string) bool {
	return schemaVersionRe.MatchString(v)
}
