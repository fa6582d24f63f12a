package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/schema"
)

// buffer is the shared, materialized row storage behind one or more memory
// table cursors. Once frozen (first Thread call) its contents are immutable.
type buffer struct {
	mu     sync.Mutex
	rows   []Row
	frozen atomic.Bool
}

func (b *buffer) add(rows []Row) error {
	if b.frozen.Load() {
		return fmt.Errorf("memory table is frozen: concurrent cursors exist")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, rows...)
	return nil
}

// MemoryTable is an in-memory, indexable row store implementing RowStream.
// It is the staging structure used during merges and the reference stream
// implementation. It applies query pushdown itself (filter, sort,
// projection), always supports Reset, and hands out independent cursors over
// its buffer via Thread.
type MemoryTable struct {
	table *schema.Table
	buf   *buffer

	// declared is the order of the shared buffer itself (SetOrder);
	// viewOrder is the order of this cursor's scan after an Open that
	// sorted a private view.
	declared  []SortKey
	viewOrder []SortKey

	state   State
	view    []Row
	pos     int
	current Row

	projTable    *schema.Table
	projOrdinals []int
}

// NewMemoryTable creates an empty memory table for the given schema.
func NewMemoryTable(table *schema.Table) *MemoryTable {
	return &MemoryTable{table: table, buf: &buffer{}}
}

// Add appends rows before or between scans. It fails once a second cursor
// exists, because the shared buffer is then read-only.
func (m *MemoryTable) Add(rows ...Row) error {
	for i, r := range rows {
		if len(r) != m.table.Len() {
			return fmt.Errorf("row %d has %d values, schema %q has %d columns", i, len(r), m.table.Name(), m.table.Len())
		}
	}
	if err := m.buf.add(rows); err != nil {
		return err
	}
	// Appending invalidates any previously declared order.
	m.declared = nil
	return nil
}

// SetOrder declares that the buffered rows are already ordered by the given
// keys, letting downstream sorted-merge stages skip their own sort.
func (m *MemoryTable) SetOrder(keys []SortKey) {
	m.declared = keys
}

// Len returns the number of buffered rows.
func (m *MemoryTable) Len() int {
	m.buf.mu.Lock()
	defer m.buf.mu.Unlock()
	return len(m.buf.rows)
}

func (m *MemoryTable) Open(_ context.Context, _ uuid.UUID, q *Query) error {
	if m.state != StateUnopened {
		return &StateError{Op: "open", State: m.state}
	}

	m.buf.mu.Lock()
	rows := m.buf.rows
	m.buf.mu.Unlock()

	view := rows
	filtered := false
	if q != nil && len(q.Filters) > 0 {
		filtered = true
		view = make([]Row, 0, len(rows))
		for _, r := range rows {
			ok, err := MatchesAll(q.Filters, m.table, r)
			if err != nil {
				return fmt.Errorf("failed to apply pushdown filter: %w", err)
			}
			if ok {
				view = append(view, r)
			}
		}
	}

	if q != nil && len(q.Sort) > 0 && !OrderSatisfies(m.declared, q.Sort) {
		if !filtered {
			// Sorting must not disturb the shared buffer.
			view = append([]Row(nil), view...)
		}
		if err := SortRows(m.table, q.Sort, view); err != nil {
			return fmt.Errorf("failed to apply pushdown sort: %w", err)
		}
		m.viewOrder = q.Sort
	}

	if q != nil && len(q.Projection) > 0 {
		projected, ordinals, err := m.table.Project(q.Projection)
		if err != nil {
			return fmt.Errorf("failed to apply pushdown projection: %w", err)
		}
		m.projTable = projected
		m.projOrdinals = ordinals
	}

	m.view = view
	m.pos = 0
	m.current = nil
	m.state = StateOpen
	return nil
}

func (m *MemoryTable) Read(ctx context.Context) (bool, error) {
	switch m.state {
	case StateOpen:
	case StateExhausted:
		return false, nil
	default:
		return false, &StateError{Op: "read", State: m.state}
	}
	if err := readCtx(ctx); err != nil {
		return false, err
	}
	if m.pos >= len(m.view) {
		m.state = StateExhausted
		m.current = nil
		return false, nil
	}
	row := m.view[m.pos]
	m.pos++
	if m.projOrdinals != nil {
		projected := make(Row, len(m.projOrdinals))
		for i, o := range m.projOrdinals {
			projected[i] = row[o]
		}
		row = projected
	}
	m.current = row
	return true, nil
}

func (m *MemoryTable) Row() Row { return m.current }

func (m *MemoryTable) Value(ordinal int) any { return m.current[ordinal] }

func (m *MemoryTable) ValueByName(name string) (any, error) {
	ordinal, err := m.Schema().Ordinal(name)
	if err != nil {
		return nil, err
	}
	return m.current[ordinal], nil
}

func (m *MemoryTable) Schema() *schema.Table {
	if m.projTable != nil {
		return m.projTable
	}
	return m.table
}

func (m *MemoryTable) Capabilities() Capabilities {
	return Capabilities{
		CanSortNatively:   true,
		CanFilterNatively: true,
		SupportsReset:     true,
	}
}

// Order reports the declared order of the scan, nil when unordered.
func (m *MemoryTable) Order() []SortKey {
	if m.viewOrder != nil {
		return m.viewOrder
	}
	return m.declared
}

func (m *MemoryTable) Reset() error {
	switch m.state {
	case StateOpen, StateExhausted:
	default:
		return &StateError{Op: "reset", State: m.state}
	}
	m.pos = 0
	m.current = nil
	m.state = StateOpen
	return nil
}

func (m *MemoryTable) Close() error {
	if m.state == StateClosed {
		return &StateError{Op: "close", State: m.state}
	}
	m.state = StateClosed
	m.view = nil
	m.current = nil
	return nil
}

// Thread returns an independent unopened cursor over the same buffered rows.
// Creating a thread freezes the buffer: no further Add calls are accepted,
// so concurrent cursors never observe mutation.
func (m *MemoryTable) Thread() RowStream {
	m.buf.frozen.Store(true)
	return &MemoryTable{
		table:    m.table,
		buf:      m.buf,
		declared: m.declared,
	}
}
