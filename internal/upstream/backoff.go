package upstream

import (
	"math/rand/v2"
	"time"
)

const maxJitter = 500 * time.Millisecond

// backoffDelay returns the pause before retry number attempt (1-based):
// base doubled per prior attempt plus uniform jitter in [0, maxJitter).
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	return delay + rand.N(maxJitter)
}
