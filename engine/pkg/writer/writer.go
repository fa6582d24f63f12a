// Package writer applies a stream of operation-tagged rows to a sink,
// batching consecutive rows of the same operation.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/delta"
	"github.com/flumelabs/flume/engine/pkg/metrics"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// Sink is the destination contract. Batch methods return how many rows were
// actually applied, so a mid-batch failure still yields honest counts.
type Sink interface {
	Truncate(ctx context.Context) error
	Insert(ctx context.Context, rows []stream.Row) (int, error)
	Update(ctx context.Context, rows []stream.Row) (int, error)
	Delete(ctx context.Context, rows []stream.Row) (int, error)
	Flush(ctx context.Context) error
	Close() error
}

// BulkLoader is implemented by sinks with a bulk ingestion path. The writer
// routes insert batches through it when the sink offers one.
type BulkLoader interface {
	LoadBatch(ctx context.Context, rows []stream.Row) (int, error)
}

// OpStream is a row stream whose rows carry an operation tag, as emitted by
// the delta transform.
type OpStream interface {
	stream.RowStream
	Operation() delta.Operation
}

// Applied tallies rows the sink confirmed. Counters are atomic so a status
// endpoint can read them during a run.
type Applied struct {
	inserted  atomic.Int64
	updated   atomic.Int64
	deleted   atomic.Int64
	truncates atomic.Int64
	rejected  atomic.Int64
}

// AppliedSnapshot is a point-in-time copy of applied counters.
type AppliedSnapshot struct {
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Deleted   int64 `json:"deleted"`
	Truncates int64 `json:"truncates"`
	Rejected  int64 `json:"rejected"`
}

func (a *Applied) Snapshot() AppliedSnapshot {
	return AppliedSnapshot{
		Inserted:  a.inserted.Load(),
		Updated:   a.updated.Load(),
		Deleted:   a.deleted.Load(),
		Truncates: a.truncates.Load(),
		Rejected:  a.rejected.Load(),
	}
}

// Config describes one writer.
type Config struct {
	Logger *slog.Logger
	Sink   Sink

	// BatchSize caps how many consecutive same-operation rows are applied
	// in one sink call. Defaults to 1000.
	BatchSize int

	// OnReject, when set, receives rows tagged Reject. Unset, rejects are
	// counted and logged only.
	OnReject func(ctx context.Context, row stream.Row) error
}

const defaultBatchSize = 1000

func (c Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", c.BatchSize)
	}
	return nil
}

// Writer consumes an operation stream and drives a sink. One writer serves
// one run at a time.
type Writer struct {
	log       *slog.Logger
	sink      Sink
	bulk      BulkLoader
	batchSize int
	onReject  func(ctx context.Context, row stream.Row) error
	applied   Applied
	table     string
}

func New(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid writer config: %w", err)
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	bulk, _ := cfg.Sink.(BulkLoader)
	return &Writer{
		log:       cfg.Logger,
		sink:      cfg.Sink,
		bulk:      bulk,
		batchSize: batchSize,
		onReject:  cfg.OnReject,
	}, nil
}

// Applied returns the live applied counters.
func (w *Writer) Applied() *Applied { return &w.applied }

// Run opens the stream, applies every row to the sink and flushes. On error
// the returned snapshot still reflects what the sink confirmed.
func (w *Writer) Run(ctx context.Context, runID uuid.UUID, src OpStream) (AppliedSnapshot, error) {
	if err := src.Open(ctx, runID, nil); err != nil {
		return w.applied.Snapshot(), fmt.Errorf("failed to open operation stream: %w", err)
	}
	defer src.Close()
	w.table = src.Schema().Name()

	var (
		batch   []stream.Row
		batchOp delta.Operation
	)

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.applyBatch(ctx, batchOp, batch)
		batch = batch[:0]
		return err
	}

	for {
		ok, err := src.Read(ctx)
		if err != nil {
			if ferr := flushBatch(); ferr != nil {
				w.log.Error("failed to flush batch during abort", "error", ferr)
			}
			return w.applied.Snapshot(), fmt.Errorf("failed to read operation stream: %w", err)
		}
		if !ok {
			break
		}

		op, row := src.Operation(), src.Row()
		switch op {
		case delta.OpTruncate:
			if err := flushBatch(); err != nil {
				return w.applied.Snapshot(), err
			}
			if err := w.sink.Truncate(ctx); err != nil {
				return w.applied.Snapshot(), fmt.Errorf("failed to truncate sink: %w", err)
			}
			w.applied.truncates.Add(1)
			continue

		case delta.OpReject:
			w.applied.rejected.Add(1)
			if w.onReject != nil {
				if err := w.onReject(ctx, row.Clone()); err != nil {
					return w.applied.Snapshot(), fmt.Errorf("failed to divert rejected row: %w", err)
				}
			} else {
				w.log.Warn("rejected row dropped", "run_id", runID)
			}
			continue
		}

		if len(batch) > 0 && (op != batchOp || len(batch) >= w.batchSize) {
			if err := flushBatch(); err != nil {
				return w.applied.Snapshot(), err
			}
		}
		batchOp = op
		batch = append(batch, row.Clone())
	}

	if err := flushBatch(); err != nil {
		return w.applied.Snapshot(), err
	}
	if err := w.sink.Flush(ctx); err != nil {
		return w.applied.Snapshot(), fmt.Errorf("failed to flush sink: %w", err)
	}
	return w.applied.Snapshot(), nil
}

func (w *Writer) applyBatch(ctx context.Context, op delta.Operation, rows []stream.Row) error {
	var (
		n   int
		err error
	)
	start := time.Now()
	defer func() {
		metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.BatchFlushTotal.WithLabelValues(w.table, op.String(), status).Inc()
	}()
	switch op {
	case delta.OpCreate:
		if w.bulk != nil {
			n, err = w.bulk.LoadBatch(ctx, rows)
		} else {
			n, err = w.sink.Insert(ctx, rows)
		}
		w.applied.inserted.Add(int64(n))
	case delta.OpUpdate:
		n, err = w.sink.Update(ctx, rows)
		w.applied.updated.Add(int64(n))
	case delta.OpDelete:
		n, err = w.sink.Delete(ctx, rows)
		w.applied.deleted.Add(int64(n))
	default:
		err = fmt.Errorf("unexpected batched operation %s", op)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s batch of %d rows (%d applied): %w", op, len(rows), n, err)
	}
	return nil
}
