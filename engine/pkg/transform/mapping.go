package transform

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// Mapping consumes input rows and produces output rows of a derived schema.
// Concrete mappings (expression evaluation, scalar function libraries) are
// external collaborators; the engine only needs this contract.
type Mapping interface {
	// OutputSchema derives the output schema from the input schema. Called
	// once at Open; a setup error here fails the open.
	OutputSchema(in *schema.Table) (*schema.Table, error)

	// Apply transforms one input row into one output row.
	Apply(in stream.Row) (stream.Row, error)
}

// MappingFunc adapts plain functions to the Mapping contract with a fixed
// output schema.
type MappingFunc struct {
	Table *schema.Table
	Fn    func(in stream.Row) (stream.Row, error)
}

func (m MappingFunc) OutputSchema(*schema.Table) (*schema.Table, error) { return m.Table, nil }

func (m MappingFunc) Apply(in stream.Row) (stream.Row, error) { return m.Fn(in) }

// Map applies a mapping to every upstream row. The forwarded open query is
// passed through unchanged; its column names must refer to the upstream
// schema, since the mapping only exists downstream of it.
type Map struct {
	upstream stream.RowStream
	mapping  Mapping

	state   stream.State
	table   *schema.Table
	current stream.Row
}

func NewMap(upstream stream.RowStream, mapping Mapping) *Map {
	return &Map{upstream: upstream, mapping: mapping}
}

func (m *Map) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	if m.state != stream.StateUnopened {
		return &stream.StateError{Op: "open", State: m.state}
	}
	if err := m.upstream.Open(ctx, runID, q); err != nil {
		return fmt.Errorf("failed to open map upstream: %w", err)
	}
	table, err := m.mapping.OutputSchema(m.upstream.Schema())
	if err != nil {
		return fmt.Errorf("failed to derive mapping output schema: %w", err)
	}
	m.table = table
	m.state = stream.StateOpen
	return nil
}

func (m *Map) Read(ctx context.Context) (bool, error) {
	switch m.state {
	case stream.StateOpen:
	case stream.StateExhausted:
		return false, nil
	default:
		return false, &stream.StateError{Op: "read", State: m.state}
	}
	ok, err := m.upstream.Read(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		m.state = stream.StateExhausted
		m.current = nil
		return false, nil
	}
	out, err := m.mapping.Apply(m.upstream.Row())
	if err != nil {
		return false, fmt.Errorf("failed to apply mapping: %w", err)
	}
	if len(out) != m.table.Len() {
		return false, fmt.Errorf("mapping produced %d values, schema %q has %d columns", len(out), m.table.Name(), m.table.Len())
	}
	m.current = out
	return true, nil
}

func (m *Map) Row() stream.Row { return m.current }

func (m *Map) Value(ordinal int) any { return m.current[ordinal] }

func (m *Map) ValueByName(name string) (any, error) {
	ordinal, err := m.table.Ordinal(name)
	if err != nil {
		return nil, err
	}
	return m.current[ordinal], nil
}

func (m *Map) Schema() *schema.Table { return m.table }

func (m *Map) Capabilities() stream.Capabilities { return m.upstream.Capabilities() }

func (m *Map) Reset() error {
	switch m.state {
	case stream.StateOpen, stream.StateExhausted:
	default:
		return &stream.StateError{Op: "reset", State: m.state}
	}
	if err := m.upstream.Reset(); err != nil {
		return err
	}
	m.current = nil
	m.state = stream.StateOpen
	return nil
}

func (m *Map) Close() error {
	if m.state == stream.StateClosed {
		return &stream.StateError{Op: "close", State: m.state}
	}
	m.state = stream.StateClosed
	m.current = nil
	return m.upstream.Close()
}
