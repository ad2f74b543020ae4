package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// retryOnConflict re-runs operation while it fails with a lost optimistic race.
// A version mismatch or an idempotency insert collision means another writer committed first;
// re-reading resolves both. Conflicts left after maxAttempts surface as ErrConcurrentUpdateConflict.
func retryOnConflict(ctx context.Context, maxAttempts int, operation func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(maxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		operationErr := operation()
		if operationErr == nil {
			return nil
		}
		if isRetryableConflict(operationErr) {
			return operationErr
		}
		return backoff.Permanent(operationErr)
	}, policy)
	if err != nil && isRetryableConflict(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdateConflict, err)
	}
	return err
}

func isRetryableConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateIdempotencyKey)
}
