// Package retry repeats operations that fail with a retryable error, waiting
// an exponentially growing delay between attempts.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/bardlex/prefixminer/pkg/errors"
)

// Config describes how often and how patiently an operation is repeated
type Config struct {
	// MaxAttempts counts the first try; one or less disables retrying
	MaxAttempts int
	// BaseDelay is the wait after the first failure
	BaseDelay time.Duration
	// MaxDelay caps the wait between two attempts
	MaxDelay time.Duration
	// Multiplier grows the wait after every failure
	Multiplier float64
	// Jitter adds up to a tenth of the wait at random
	Jitter bool

	// OnRetry, when set, is told about every failure that will be retried
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig is used when Do is given a nil config
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// NetworkConfig suits RPC and broker calls
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// StorageConfig suits the reporting backends
func StorageConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// JobSourceConfig is NetworkConfig limited to the given number of attempts.
// With one attempt every failure surfaces immediately.
func JobSourceConfig(attempts int) *Config {
	cfg := NetworkConfig()
	cfg.MaxAttempts = max(attempts, 1)
	return cfg
}

// Backoff returns the wait after the given failed attempt, counted from
// zero, without jitter
func (c *Config) Backoff(attempt int) time.Duration {
	delay := float64(c.BaseDelay)
	for range attempt {
		delay *= c.Multiplier
		if delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return min(time.Duration(delay), c.MaxDelay)
}

func (c *Config) wait(attempt int) time.Duration {
	delay := c.Backoff(attempt)
	if c.Jitter && delay > 0 {
		delay += rand.N(delay/10 + 1)
	}
	return delay
}

// Pause sleeps for the jittered wait after the given failed attempt. It
// returns ctx.Err() if ctx is done first. Loops that never give up use it to
// slow down on repeated failures.
func (c *Config) Pause(ctx context.Context, attempt int) error {
	return sleep(ctx, c.wait(attempt))
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails with an error that is not retryable,
// runs out of attempts or ctx is done
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that produce a value. A single-attempt
// config returns fn's result untouched. Exhausting the attempts wraps the
// last error, keeping its type.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts <= 1 {
		return fn()
	}

	var zero T
	var err error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		var result T
		if result, err = fn(); err == nil {
			return result, nil
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.wait(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	errorType := errors.TypeOf(err)
	if errorType == "" {
		errorType = errors.ErrorTypeInternal
	}
	return zero, errors.Wrap(err, errorType, "retry", "giving up").
		WithContext("max_attempts", config.MaxAttempts)
}
