// pkg/utils/retry.go
package utils

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig holds configuration for calculating backoff durations.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// CalculateBackoff computes the delay before retry number retryCount
// (zero based). The delay grows by Multiplier from InitialInterval and never
// exceeds MaxInterval. Jitter spreads it by up to a quarter either way.
func CalculateBackoff(retryCount int, config BackoffConfig) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := float64(config.InitialInterval)
	for i := 0; i < retryCount; i++ {
		delay *= config.Multiplier
		if config.MaxInterval > 0 && delay > float64(config.MaxInterval) {
			delay = float64(config.MaxInterval)
			break
		}
	}

	if config.Jitter {
		delay += delay * 0.25 * (rand.Float64()*2 - 1)
	}

	if config.MaxInterval > 0 && delay > float64(config.MaxInterval) {
		delay = float64(config.MaxInterval)
	}
	if delay <= 0 {
		delay = float64(config.InitialInterval) / 2
		if delay <= 0 {
			delay = float64(100 * time.Millisecond)
		}
	}
	return time.Duration(delay)
}
