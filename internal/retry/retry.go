// Package retry wraps fallible operations with bounded retries,
// exponential backoff, and randomized jitter.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config bounds a retry loop. The delay before attempt n+1 is
// InitialInterval × 2^(n-1), perturbed by RandomizationFactor. Tests set
// RandomizationFactor to 0 for deterministic timing.
type Config struct {
	MaxTries            uint
	InitialInterval     time.Duration
	RandomizationFactor float64
}

// Default returns the retry configuration used for archive downloads and
// monthly country batch fetches.
func Default() Config {
	return Config{MaxTries: 3, InitialInterval: time.Second, RandomizationFactor: 0.5}
}

// Daily returns the tighter configuration used for single-date country
// fallback fetches.
func Daily() Config {
	return Config{MaxTries: 2, InitialInterval: time.Second, RandomizationFactor: 0.5}
}

// Do runs op until it succeeds or cfg.MaxTries attempts are exhausted,
// sleeping with exponential backoff between attempts. The last error is
// propagated unchanged.
func Do[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Multiplier = 2

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(cfg.MaxTries),
	)
}
