package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// Sort guarantees its output is ordered by a key specification. When the
// upstream already reports a compatible order (native sort pushdown
// accepted) it is a pass-through; otherwise the entire upstream is
// materialized and stably sorted in memory before the first row is
// produced. That is an O(n log n) time, O(n) memory boundary: callers
// needing true streaming must provide pre-sorted input.
type Sort struct {
	log      *slog.Logger
	upstream stream.RowStream
	keys     []stream.SortKey

	state    stream.State
	required []stream.SortKey
	pass     bool
	runID    uuid.UUID
	mem      *stream.MemoryTable
	current  stream.Row
}

// NewSort creates a sort stage over the upstream. When keys is empty the
// order requested in the Open query is used instead.
func NewSort(log *slog.Logger, upstream stream.RowStream, keys ...stream.SortKey) *Sort {
	return &Sort{log: log, upstream: upstream, keys: keys}
}

func (s *Sort) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	if s.state != stream.StateUnopened {
		return &stream.StateError{Op: "open", State: s.state}
	}

	s.required = s.keys
	if len(s.required) == 0 && q != nil {
		s.required = q.Sort
	}
	if len(s.required) == 0 {
		return fmt.Errorf("sort stage has no sort keys")
	}

	forwarded := cloneQuery(q)
	forwarded.Sort = s.required
	if err := s.upstream.Open(ctx, runID, forwarded); err != nil {
		return fmt.Errorf("failed to open sort upstream: %w", err)
	}

	s.pass = s.upstream.Capabilities().CanSortNatively &&
		stream.OrderSatisfies(stream.OrderOf(s.upstream), s.required)
	if !s.pass {
		s.log.Debug("sort: materializing upstream", "table", s.upstream.Schema().Name(), "keys", len(s.required))
	}
	s.runID = runID
	s.state = stream.StateOpen
	return nil
}

// materialize drains the upstream into a memory table and sorts it. Called
// lazily on the first Read so cancellation during the drain surfaces as a
// read error.
func (s *Sort) materialize(ctx context.Context) error {
	table := s.upstream.Schema()
	var rows []stream.Row
	for {
		ok, err := s.upstream.Read(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rows = append(rows, s.upstream.Row().Clone())
	}
	if err := stream.SortRows(table, s.required, rows); err != nil {
		return fmt.Errorf("failed to sort materialized rows: %w", err)
	}

	mem := stream.NewMemoryTable(table)
	if err := mem.Add(rows...); err != nil {
		return fmt.Errorf("failed to stage sorted rows: %w", err)
	}
	mem.SetOrder(s.required)
	if err := mem.Open(ctx, s.runID, nil); err != nil {
		return fmt.Errorf("failed to open sorted staging table: %w", err)
	}
	s.mem = mem
	return nil
}

func (s *Sort) Read(ctx context.Context) (bool, error) {
	switch s.state {
	case stream.StateOpen:
	case stream.StateExhausted:
		return false, nil
	default:
		return false, &stream.StateError{Op: "read", State: s.state}
	}

	src := s.upstream
	if !s.pass {
		if s.mem == nil {
			if err := s.materialize(ctx); err != nil {
				return false, err
			}
		}
		src = s.mem
	}

	ok, err := src.Read(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		s.state = stream.StateExhausted
		s.current = nil
		return false, nil
	}
	s.current = src.Row()
	return true, nil
}

func (s *Sort) Row() stream.Row { return s.current }

func (s *Sort) Value(ordinal int) any { return s.current[ordinal] }

func (s *Sort) ValueByName(name string) (any, error) {
	ordinal, err := s.Schema().Ordinal(name)
	if err != nil {
		return nil, err
	}
	return s.current[ordinal], nil
}

func (s *Sort) Schema() *schema.Table { return s.upstream.Schema() }

func (s *Sort) Capabilities() stream.Capabilities {
	caps := s.upstream.Capabilities()
	caps.CanSortNatively = true
	if !s.pass {
		caps.SupportsReset = true
	}
	return caps
}

// Order reports the guaranteed output order.
func (s *Sort) Order() []stream.SortKey {
	if len(s.required) > 0 {
		return s.required
	}
	return s.keys
}

func (s *Sort) Reset() error {
	switch s.state {
	case stream.StateOpen, stream.StateExhausted:
	default:
		return &stream.StateError{Op: "reset", State: s.state}
	}
	if s.pass {
		if err := s.upstream.Reset(); err != nil {
			return err
		}
	} else if s.mem != nil {
		if err := s.mem.Reset(); err != nil {
			return err
		}
	}
	s.current = nil
	s.state = stream.StateOpen
	return nil
}

func (s *Sort) Close() error {
	if s.state == stream.StateClosed {
		return &stream.StateError{Op: "close", State: s.state}
	}
	s.state = stream.StateClosed
	s.current = nil
	return s.upstream.Close()
}
