// Package stream defines the pull-based row stream contract every stage of
// the transform pipeline builds on, and an in-memory reference
// implementation used for staging and tests.
package stream

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/schema"
)

// Row is one record: an ordered, fixed-length value list matching the owning
// schema. A nil element is a null.
type Row []any

// Clone returns a shallow copy of the row. Values themselves are shared;
// rows hold scalars, so this is safe for buffering.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Capabilities reports what an upstream source can execute natively. The
// engine queries these at Open time to decide pushdown versus local
// execution.
type Capabilities struct {
	CanSortNatively   bool
	CanFilterNatively bool
	CanJoinNatively   bool
	SupportsReset     bool
	SupportsBulkLoad  bool
}

// State is the lifecycle position of a stream.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateExhausted
	StateClosed
)

var stateNames = map[State]string{
	StateUnopened:  "unopened",
	StateOpen:      "open",
	StateExhausted: "exhausted",
	StateClosed:    "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateError reports an operation attempted in the wrong lifecycle state,
// such as opening an already open stream or reading after close.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("stream: cannot %s while %s", e.Op, e.State)
}

// RowStream is sequential, pull-based access to rows of a declared schema.
// A stream is opened once, read until exhausted, and closed; Closed is
// terminal. Read must be cancellable and surfaces cancellation as a wrapped
// ctx error, never as a silent end-of-stream.
type RowStream interface {
	// Open binds the stream to a logical run. The query optionally carries
	// filters, sort keys and a projection a capable upstream applies
	// natively; implementations must stay correct when the upstream ignores
	// all of it.
	Open(ctx context.Context, runID uuid.UUID, q *Query) error

	// Read advances to the next row, returning false at end-of-stream.
	Read(ctx context.Context) (bool, error)

	// Row returns the current row. Valid only after a true Read.
	Row() Row

	// Value returns the current row's value at the given ordinal.
	Value(ordinal int) any

	// ValueByName returns the current row's value for the named column, or a
	// schema error when the name is absent.
	ValueByName(name string) (any, error)

	Schema() *schema.Table
	Capabilities() Capabilities

	// Reset rewinds to the start of the logical sequence. Streams that
	// cannot re-scan report SupportsReset=false and fail here.
	Reset() error

	Close() error
}

// Ordered is implemented by streams that guarantee their output order.
type Ordered interface {
	Order() []SortKey
}

// Threader is implemented by streams backed by materialized data that can
// produce independent read cursors over the same buffer, so two consumers
// can scan concurrently. The buffer is read-only once a thread exists.
type Threader interface {
	Thread() RowStream
}

// Connectored is implemented by connector-backed streams that can identify
// their physical connector, letting the engine detect when two streams
// share one and a join could be pushed down to it.
type Connectored interface {
	ConnectorID() string
}

// OrderOf returns the declared order of a stream, or nil when the stream
// makes no ordering guarantee.
func OrderOf(s RowStream) []SortKey {
	if o, ok := s.(Ordered); ok {
		return o.Order()
	}
	return nil
}

// OrderSatisfies reports whether a declared order begins with the wanted
// keys, direction included. A stream sorted by (a, b) satisfies a
// requirement of (a) but not of (b) or (a desc).
func OrderSatisfies(declared, wanted []SortKey) bool {
	if len(declared) < len(wanted) {
		return false
	}
	for i, k := range wanted {
		if declared[i].Column != k.Column || declared[i].Descending != k.Descending {
			return false
		}
	}
	return true
}

// readCtx returns a row-boundary cancellation check error, wrapped so
// callers can distinguish cancellation from normal exhaustion.
func readCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stream read cancelled: %w", err)
	}
	return nil
}
