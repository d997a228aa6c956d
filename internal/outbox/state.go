package outbox

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// GenerateIdempotencyKey derives a stable key for one signal so a restarted
// process does not submit it twice.
func GenerateIdempotencyKey(symbol, side string, signalTime time.Time, confidence float64) string {
	data := fmt.Sprintf("%s-%s-%d-%.6f", symbol, side, signalTime.Unix(), confidence)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
