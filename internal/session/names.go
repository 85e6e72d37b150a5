package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewName returns a fresh session name of the form YYYYMMDD-HHMMSS-xxxxxxxx
// where the suffix is the first eight hex digits of a random UUID.
func NewName(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return t.UTC().Format("20060102-150405") + "-" + suffix
}
