package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DedupKey derives the canonical key for a (course, learner) pair. Webhook and
// poller admissions must both go through it so they collide on the same row.
func DedupKey(courseID, learnerEmail string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(courseID)))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeEmail(learnerEmail)))
	return hex.EncodeToString(h.Sum(nil))
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
