// Package retry wraps network-sensitive actions in a bounded, fixed-backoff
// retry loop. Only explicitly wrapped operations retry; everything else
// fails on the first error.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// RefreshDelay between attempts of idempotent read-only refreshes
	// (package index updates).
	RefreshDelay = 5 * time.Second
	// InstallDelay between attempts of heavier install/download work.
	InstallDelay = 15 * time.Second

	RefreshAttempts = 3
	InstallAttempts = 5
)

// Do runs fn up to attempts times with a fixed delay between failures,
// logging each failed attempt. The last error is returned unchanged.
func Do(ctx context.Context, log zerolog.Logger, description string, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)
	attempt := 0
	notify := func(err error, next time.Duration) {
		attempt++
		log.Warn().Err(err).Msgf("%s failed (attempt %d/%d), retrying in %s", description, attempt, attempts, next)
	}
	return backoff.RetryNotify(fn, policy, notify)
}

// Refresh is the canned profile for package index refreshes.
func Refresh(ctx context.Context, log zerolog.Logger, description string, fn func() error) error {
	return Do(ctx, log, description, RefreshAttempts, RefreshDelay, fn)
}

// Install is the canned profile for installs and downloads.
func Install(ctx context.Context, log zerolog.Logger, description string, fn func() error) error {
	return Do(ctx, log, description, InstallAttempts, InstallDelay, fn)
}
