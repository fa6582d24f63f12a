package stream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

func eventsTable(t *testing.T) *schema.Table {
	t.Helper()
	table, err := schema.New("events",
		schema.Column{Name: "id", DataType: schema.TypeInt64},
		schema.Column{Name: "kind", DataType: schema.TypeString},
		schema.Column{Name: "score", DataType: schema.TypeFloat64, Nullable: true},
	)
	require.NoError(t, err)
	return table
}

func eventsData(t *testing.T) *stream.MemoryTable {
	t.Helper()
	m := stream.NewMemoryTable(eventsTable(t))
	require.NoError(t, m.Add(
		stream.Row{int64(3), "click", 0.5},
		stream.Row{int64(1), "view", nil},
		stream.Row{int64(2), "click", 1.5},
	))
	return m
}

func drain(t *testing.T, s stream.RowStream) []stream.Row {
	t.Helper()
	ctx := context.Background()
	var rows []stream.Row
	for {
		ok, err := s.Read(ctx)
		require.NoError(t, err)
		if !ok {
			return rows
		}
		rows = append(rows, s.Row().Clone())
	}
}

func TestMemoryTable_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := eventsData(t)

	// Read before open is a state error.
	_, err := m.Read(ctx)
	var stateErr *stream.StateError
	require.True(t, errors.As(err, &stateErr))
	require.Equal(t, stream.StateUnopened, stateErr.State)

	require.NoError(t, m.Open(ctx, uuid.New(), nil))

	// Double open is a state error.
	err = m.Open(ctx, uuid.New(), nil)
	require.True(t, errors.As(err, &stateErr))
	require.Equal(t, stream.StateOpen, stateErr.State)

	rows := drain(t, m)
	require.Len(t, rows, 3)

	// Reading past exhaustion stays a clean end-of-stream.
	ok, err := m.Read(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Close())
	_, err = m.Read(ctx)
	require.True(t, errors.As(err, &stateErr))
	require.Equal(t, stream.StateClosed, stateErr.State)

	// Close is terminal.
	require.Error(t, m.Close())
}

func TestMemoryTable_ValueAccessors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := eventsData(t)
	require.NoError(t, m.Open(ctx, uuid.New(), nil))

	ok, err := m.Read(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int64(3), m.Value(0))
	v, err := m.ValueByName("kind")
	require.NoError(t, err)
	require.Equal(t, "click", v)

	_, err = m.ValueByName("missing")
	require.Error(t, err)
}

func TestMemoryTable_FilterPushdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := eventsData(t)

	q := &stream.Query{Filters: []stream.Filter{{Column: "kind", Op: stream.FilterEq, Value: "click"}}}
	require.NoError(t, m.Open(ctx, uuid.New(), q))
	rows := drain(t, m)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, "click", r[1])
	}
}

func TestMemoryTable_SortPushdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := eventsData(t)

	q := &stream.Query{Sort: []stream.SortKey{{Column: "id"}}}
	require.NoError(t, m.Open(ctx, uuid.New(), q))
	require.Equal(t, q.Sort, stream.OrderOf(m))

	rows := drain(t, m)
	require.Equal(t, int64(1), rows[0][0])
	require.Equal(t, int64(2), rows[1][0])
	require.Equal(t, int64(3), rows[2][0])
}

func TestMemoryTable_ProjectionPushdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := eventsData(t)

	q := &stream.Query{Projection: []string{"kind", "id"}}
	require.NoError(t, m.Open(ctx, uuid.New(), q))
	require.Equal(t, 2, m.Schema().Len())
	require.Equal(t, "kind", m.Schema().Column(0).Name)

	rows := drain(t, m)
	require.Equal(t, stream.Row{"click", int64(3)}, rows[0])
}

func TestMemoryTable_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := eventsData(t)
	require.NoError(t, m.Open(ctx, uuid.New(), nil))

	first := drain(t, m)
	require.NoError(t, m.Reset())
	second := drain(t, m)
	require.Equal(t, first, second)
}

func TestMemoryTable_ThreadIndependentCursors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := eventsData(t)

	a := m.Thread()
	b := m.Thread()

	// The buffer froze when the first thread was created.
	require.Error(t, m.Add(stream.Row{int64(9), "late", nil}))

	require.NoError(t, a.Open(ctx, uuid.New(), nil))
	require.NoError(t, b.Open(ctx, uuid.New(), &stream.Query{Sort: []stream.SortKey{{Column: "id"}}}))

	// Advance a partway, then fully drain b; a's position is unaffected.
	ok, err := a.Read(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), a.Value(0))

	bRows := drain(t, b)
	require.Len(t, bRows, 3)
	require.Equal(t, int64(1), bRows[0][0])

	aRows := drain(t, a)
	require.Len(t, aRows, 2, "cursor a continues from where it was")
}

func TestMemoryTable_ReadCancellation(t *testing.T) {
	t.Parallel()
	m := eventsData(t)
	require.NoError(t, m.Open(context.Background(), uuid.New(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Read(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled), "cancellation is an error, not end-of-stream")
}

func TestOrderSatisfies(t *testing.T) {
	t.Parallel()

	ab := []stream.SortKey{{Column: "a"}, {Column: "b"}}
	require.True(t, stream.OrderSatisfies(ab, []stream.SortKey{{Column: "a"}}))
	require.True(t, stream.OrderSatisfies(ab, ab))
	require.False(t, stream.OrderSatisfies(ab, []stream.SortKey{{Column: "b"}}))
	require.False(t, stream.OrderSatisfies(ab, []stream.SortKey{{Column: "a", Descending: true}}))
	require.False(t, stream.OrderSatisfies([]stream.SortKey{{Column: "a"}}, ab))
}
