package transform_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flumelabs/flume/engine/pkg/stream"
	"github.com/flumelabs/flume/engine/pkg/transform"
)

func TestSort_Materializes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := ordersTable(t)

	// sortShim hides the memory table's native sort so the stage must
	// materialize.
	src := &sortShim{RowStream: newMem(t, table,
		stream.Row{int64(3), "east", 30.0},
		stream.Row{int64(1), "west", 10.0},
		stream.Row{int64(2), "east", nil},
	)}

	s := transform.NewSort(testLogger(), src, stream.SortKey{Column: "order_id"})
	require.NoError(t, s.Open(ctx, uuid.New(), nil))

	rows := drain(t, s)
	require.Equal(t, int64(1), rows[0][0])
	require.Equal(t, int64(2), rows[1][0])
	require.Equal(t, int64(3), rows[2][0])
	require.NoError(t, s.Close())
}

func TestSort_PassThroughWhenUpstreamSorted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := ordersTable(t)

	src := newMem(t, table,
		stream.Row{int64(3), "east", 30.0},
		stream.Row{int64(1), "west", 10.0},
	)

	s := transform.NewSort(testLogger(), src, stream.SortKey{Column: "order_id"})
	require.NoError(t, s.Open(ctx, uuid.New(), nil))
	require.Equal(t, []stream.SortKey{{Column: "order_id"}}, s.Order())

	rows := drain(t, s)
	require.Equal(t, int64(1), rows[0][0])
	require.Equal(t, int64(3), rows[1][0])
}

func TestSort_DescendingWithNulls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := ordersTable(t)

	src := &sortShim{RowStream: newMem(t, table,
		stream.Row{int64(1), "a", 10.0},
		stream.Row{int64(2), "b", nil},
		stream.Row{int64(3), "c", 30.0},
	)}

	s := transform.NewSort(testLogger(), src, stream.SortKey{Column: "amount", Descending: true})
	require.NoError(t, s.Open(ctx, uuid.New(), nil))

	rows := drain(t, s)
	require.Equal(t, 30.0, rows[0][2])
	require.Equal(t, 10.0, rows[1][2])
	require.Nil(t, rows[2][2], "nulls sort last descending")
}

func TestSort_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := ordersTable(t)

	src := &sortShim{RowStream: newMem(t, table,
		stream.Row{int64(2), "b", nil},
		stream.Row{int64(1), "a", nil},
	)}

	s := transform.NewSort(testLogger(), src, stream.SortKey{Column: "order_id"})
	require.NoError(t, s.Open(ctx, uuid.New(), nil))
	first := drain(t, s)
	require.NoError(t, s.Reset())
	second := drain(t, s)
	require.Equal(t, first, second)
}

func TestSort_SortKeysFromQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := ordersTable(t)
	src := newMem(t, table, stream.Row{int64(2), "b", nil}, stream.Row{int64(1), "a", nil})

	s := transform.NewSort(testLogger(), src)
	require.NoError(t, s.Open(ctx, uuid.New(), &stream.Query{Sort: []stream.SortKey{{Column: "order_id"}}}))
	rows := drain(t, s)
	require.Equal(t, int64(1), rows[0][0])

	empty := transform.NewSort(testLogger(), newMem(t, table))
	require.Error(t, empty.Open(ctx, uuid.New(), nil), "no sort keys anywhere")
}

// sortShim wraps a stream and reports no native sort or filter capability,
// forcing downstream stages onto their local paths.
type sortShim struct {
	stream.RowStream
}

func (s *sortShim) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	stripped := &stream.Query{}
	if q != nil {
		stripped.Projection = q.Projection
	}
	return s.RowStream.Open(ctx, runID, stripped)
}

func (s *sortShim) Capabilities() stream.Capabilities {
	return stream.Capabilities{SupportsReset: true}
}
