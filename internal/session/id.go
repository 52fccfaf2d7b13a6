package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID derives a session id from the starting agent and the creation
// time. The same inputs give the same id.
func NewID(agentName string, at time.Time) string {
	name := agentName + "@" + at.UTC().Format(time.RFC3339Nano)
	return strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(), "-", "")
}
