package writer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
	"github.com/flumelabs/flume/engine/pkg/writer"
)

func TestMemorySink_RequiresSurrogateKey(t *testing.T) {
	t.Parallel()
	table, err := schema.New("plain",
		schema.Column{Name: "id", DataType: schema.TypeInt64},
	)
	require.NoError(t, err)

	_, err = writer.NewMemorySink(table)
	require.ErrorContains(t, err, "no surrogate key column")
}

func TestMemorySink_InsertDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink, err := writer.NewMemorySink(sinkTable(t))
	require.NoError(t, err)

	n, err := sink.Insert(ctx, []stream.Row{product(1, "a"), product(2, "b")})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = sink.Insert(ctx, []stream.Row{product(3, "c"), product(1, "dup")})
	require.ErrorContains(t, err, "duplicate surrogate key")
	require.Equal(t, 1, n, "rows before the duplicate were applied")
	require.Equal(t, 3, sink.Len())
}

func TestMemorySink_UpdateDeleteMissingKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink, err := writer.NewMemorySink(sinkTable(t))
	require.NoError(t, err)

	n, err := sink.Update(ctx, []stream.Row{product(9, "ghost")})
	require.ErrorContains(t, err, "no row with surrogate key")
	require.Equal(t, 0, n)

	n, err = sink.Delete(ctx, []stream.Row{product(9, "ghost")})
	require.Error(t, err)
	require.Equal(t, 0, n)
}

func TestMemorySink_Truncate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink, err := writer.NewMemorySink(sinkTable(t))
	require.NoError(t, err)

	_, err = sink.Insert(ctx, []stream.Row{product(1, "a")})
	require.NoError(t, err)
	require.NoError(t, sink.Truncate(ctx))
	require.Equal(t, 0, sink.Len())
}

func TestMemorySink_Lookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink, err := writer.NewMemorySink(sinkTable(t))
	require.NoError(t, err)

	_, err = sink.Insert(ctx, []stream.Row{product(1, "a")})
	require.NoError(t, err)

	row, ok := sink.Lookup(int64(1))
	require.True(t, ok)
	require.Equal(t, "a", row[1])

	// The returned row is a copy; mutating it must not leak back.
	row[1] = "mutated"
	again, _ := sink.Lookup(int64(1))
	require.Equal(t, "a", again[1])

	_, ok = sink.Lookup(int64(2))
	require.False(t, ok)
}
