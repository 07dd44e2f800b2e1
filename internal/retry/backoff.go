package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy is the retry budget of one external operation.
type Policy struct {
	// MaxAttempts counts every try, the first one included.
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	MaxJitter   time.Duration
}

// DefaultPolicy mirrors the engine's configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		Cap:         30 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Delay returns base * 2^attempt, capped, plus jitter. Jitter is derived
// from key and attempt so the schedule of a job is reproducible.
func (p Policy) Delay(key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(p.Base) * factor)
	if delay < 0 || (p.Cap > 0 && delay > p.Cap) {
		delay = p.Cap
	}
	return delay + p.jitter(key, attempt)
}

func (p Policy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
