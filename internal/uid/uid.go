// Package uid issues the ids handed out by POST /v1/uploads. Clients that
// choose their own upload ids never go through it.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID as 32 lower-case hex digits, which
// fits in a URL path segment without escaping.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
