// ABOUTME: Short session identifiers derived from connection facts
// ABOUTME: Seven hex chars is enough to tell sessions apart in logs and checkpoints

package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// NewIdentifier derives a 7-character hex identifier for a session from the
// agent, project, and connection instant, mixed with fresh entropy so two
// rapid reconnects never collide.
func NewIdentifier(aiID int64, project string, connectedAt time.Time) string {
	entropy := make([]byte, 8)
	rand.Read(entropy)

	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%d|%x", aiID, project, connectedAt.UnixNano(), entropy))
	return hex.EncodeToString(sum[:])[:7]
}
