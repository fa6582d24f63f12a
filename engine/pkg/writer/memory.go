package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/flumelabs/flume/engine/pkg/keys"
	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// MemorySink applies operations to an in-process table keyed by surrogate
// key. It backs tests and the demo pipeline, and doubles as the reference
// for how a sink resolves updates and deletes.
type MemorySink struct {
	mu    sync.Mutex
	table *schema.Table
	ordSK int
	rows  map[string]stream.Row
}

func NewMemorySink(table *schema.Table) (*MemorySink, error) {
	ordSK, ok := table.OrdinalOf(schema.DeltaSurrogateKey)
	if !ok {
		return nil, fmt.Errorf("table %q has no surrogate key column", table.Name())
	}
	return &MemorySink{
		table: table,
		ordSK: ordSK,
		rows:  make(map[string]stream.Row),
	}, nil
}

func (s *MemorySink) Truncate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]stream.Row)
	return nil
}

func (s *MemorySink) Insert(ctx context.Context, rows []stream.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range rows {
		k := s.key(row)
		if _, exists := s.rows[k]; exists {
			return i, fmt.Errorf("duplicate surrogate key %v in table %q", row[s.ordSK], s.table.Name())
		}
		s.rows[k] = row.Clone()
	}
	return len(rows), nil
}

func (s *MemorySink) Update(ctx context.Context, rows []stream.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range rows {
		k := s.key(row)
		if _, exists := s.rows[k]; !exists {
			return i, fmt.Errorf("no row with surrogate key %v in table %q", row[s.ordSK], s.table.Name())
		}
		s.rows[k] = row.Clone()
	}
	return len(rows), nil
}

func (s *MemorySink) Delete(ctx context.Context, rows []stream.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range rows {
		k := s.key(row)
		if _, exists := s.rows[k]; !exists {
			return i, fmt.Errorf("no row with surrogate key %v in table %q", row[s.ordSK], s.table.Name())
		}
		delete(s.rows, k)
	}
	return len(rows), nil
}

func (s *MemorySink) Flush(ctx context.Context) error { return nil }

func (s *MemorySink) Close() error { return nil }

// LoadBatch implements BulkLoader; in memory it is an insert.
func (s *MemorySink) LoadBatch(ctx context.Context, rows []stream.Row) (int, error) {
	return s.Insert(ctx, rows)
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Rows returns a copy of the stored rows in unspecified order.
func (s *MemorySink) Rows() []stream.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.Clone())
	}
	return out
}

// Lookup returns the stored row with the given surrogate key.
func (s *MemorySink) Lookup(surrogate any) (stream.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[string(keys.Encode(surrogate))]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

func (s *MemorySink) key(row stream.Row) string {
	return string(keys.Encode(row[s.ordSK]))
}
