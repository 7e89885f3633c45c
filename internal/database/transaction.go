package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second

	labelTransient     = "TransientTransactionError"
	labelUnknownCommit = "UnknownTransactionCommitResult"
)

type txSession interface {
	StartTransaction(opts ...*options.TransactionOptions) error
	AbortTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
}

type retrier struct {
	log        *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetrier(logger *zap.Logger) retrier {
	return retrier{
		log:        logger,
		maxRetries: maxRetries,
		baseDelay:  baseRetryDelay,
		maxDelay:   maxRetryDelay,
	}
}

// RunInTransaction runs fn inside a multi-document transaction. The whole
// transaction is retried on TransientTransactionError and the commit alone on
// UnknownTransactionCommitResult. Any other error aborts and is returned.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	return s.retry.transaction(mongo.NewSessionContext(ctx, sess), sess, fn)
}

func (r retrier) transaction(ctx context.Context, sess txSession, fn func(ctx context.Context) error) error {
	return r.run(ctx, labelTransient, func(ctx context.Context) error {
		if err := sess.StartTransaction(); err != nil {
			return fmt.Errorf("start transaction: %w", err)
		}

		if err := fn(ctx); err != nil {
			if abortErr := sess.AbortTransaction(context.WithoutCancel(ctx)); abortErr != nil {
				r.log.Warn("failed to abort transaction", zap.Error(abortErr))
			}
			return err
		}

		return r.run(ctx, labelUnknownCommit, sess.CommitTransaction)
	})
}

// run calls fn until it succeeds, fails with an error that does not carry
// label, or runs out of attempts.
func (r retrier) run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, attempt); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !hasErrorLabel(lastErr, label) {
			return lastErr
		}

		r.log.Warn("transaction attempt failed, retrying",
			zap.String("label", label),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.maxRetries),
			zap.Error(lastErr),
		)
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func (r retrier) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(r.delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// delay doubles per attempt up to maxDelay.
func (r retrier) delay(attempt int) time.Duration {
	d := r.baseDelay << (attempt - 1)
	if d <= 0 || d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

func hasErrorLabel(err error, label string) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(label)
}

func ensureTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
