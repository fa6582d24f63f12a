package writer

import (
	"context"
	"fmt"

	"github.com/flumelabs/flume/engine/pkg/stream"
	"github.com/flumelabs/flume/utils/pkg/retry"
)

// RetryingSink decorates a sink with exponential-backoff retries for
// transient failures. A batch is retried only when the inner sink applied
// none of it, so a partially applied batch is never re-sent.
type RetryingSink struct {
	inner Sink
	cfg   retry.Config
}

func NewRetryingSink(inner Sink, cfg retry.Config) (*RetryingSink, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner sink is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	return &RetryingSink{inner: inner, cfg: cfg}, nil
}

func (s *RetryingSink) Truncate(ctx context.Context) error {
	return retry.Do(ctx, s.cfg, func() error {
		return s.inner.Truncate(ctx)
	})
}

func (s *RetryingSink) Insert(ctx context.Context, rows []stream.Row) (int, error) {
	return s.retryBatch(ctx, rows, s.inner.Insert)
}

func (s *RetryingSink) Update(ctx context.Context, rows []stream.Row) (int, error) {
	return s.retryBatch(ctx, rows, s.inner.Update)
}

func (s *RetryingSink) Delete(ctx context.Context, rows []stream.Row) (int, error) {
	return s.retryBatch(ctx, rows, s.inner.Delete)
}

func (s *RetryingSink) Flush(ctx context.Context) error {
	return retry.Do(ctx, s.cfg, func() error {
		return s.inner.Flush(ctx)
	})
}

func (s *RetryingSink) Close() error { return s.inner.Close() }

func (s *RetryingSink) retryBatch(ctx context.Context, rows []stream.Row, apply func(context.Context, []stream.Row) (int, error)) (int, error) {
	var n int
	err := retry.Do(ctx, s.cfg, func() error {
		var innerErr error
		n, innerErr = apply(ctx, rows)
		if innerErr != nil && n > 0 {
			// Partially applied; re-sending would double-apply rows.
			return retry.Permanent(fmt.Errorf("batch partially applied: %w", innerErr))
		}
		return innerErr
	})
	return n, err
}
