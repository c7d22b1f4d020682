package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateTicketToken returns the raw ticket secret handed to the holder.
// Only its hash is ever persisted.
func GenerateTicketToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is effectively unreachable; fall back to uuid
		return "tkt_" + uuid.New().String()
	}
	return "tkt_" + hex.EncodeToString(buf)
}

// GenerateBatchID returns a batch identifier with a readable prefix.
func GenerateBatchID() string {
	return fmt.Sprintf("batch_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
}
