package setup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/pkg/vault"
	"go.uber.org/zap"
)

// Retry runs fn up to attempts times, waiting wait in between. Only errors
// marked vault.ErrRetry are retried.
func Retry(ctx context.Context, attempts int, wait time.Duration, fn func(context.Context) error) error {
	log := zap.L().Named("setup")
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		log.Info("bootstrap attempt", zap.Int("attempt", attempt), zap.Int("attempts", attempts))
		err := fn(ctx)
		if err == nil || errors.Is(err, vault.ErrRetry) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, next time.Duration) {
		log.Warn("bootstrap not complete, retrying", zap.Error(err), zap.Duration("wait", next))
	})
}
