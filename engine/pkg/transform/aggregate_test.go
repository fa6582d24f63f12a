package transform_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
	"github.com/flumelabs/flume/engine/pkg/transform"
)

func aggTable(t *testing.T) *schema.Table {
	t.Helper()
	table, err := schema.New("readings",
		schema.Column{Name: "sensor", DataType: schema.TypeString},
		schema.Column{Name: "count", DataType: schema.TypeInt64, Nullable: true},
		schema.Column{Name: "value", DataType: schema.TypeFloat64, Nullable: true},
	)
	require.NoError(t, err)
	return table
}

func accumulate(t *testing.T, agg transform.Aggregator, rows ...stream.Row) any {
	t.Helper()
	for _, r := range rows {
		require.NoError(t, agg.Accumulate(r))
	}
	v, err := agg.Finalize()
	require.NoError(t, err)
	return v
}

func TestAggregate_Sum(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	t.Run("integer", func(t *testing.T) {
		t.Parallel()
		agg, err := transform.NewSum(table, "count")
		require.NoError(t, err)
		v := accumulate(t, agg,
			stream.Row{"a", int64(3), nil},
			stream.Row{"a", nil, nil},
			stream.Row{"a", int64(4), nil},
		)
		require.Equal(t, int64(7), v)
	})

	t.Run("float", func(t *testing.T) {
		t.Parallel()
		agg, err := transform.NewSum(table, "value")
		require.NoError(t, err)
		v := accumulate(t, agg,
			stream.Row{"a", nil, 1.5},
			stream.Row{"a", nil, 2.5},
		)
		require.Equal(t, 4.0, v)
	})

	t.Run("all nulls finalize to null", func(t *testing.T) {
		t.Parallel()
		agg, err := transform.NewSum(table, "value")
		require.NoError(t, err)
		require.Nil(t, accumulate(t, agg, stream.Row{"a", nil, nil}))
	})

	t.Run("string column rejected", func(t *testing.T) {
		t.Parallel()
		agg, err := transform.NewSum(table, "sensor")
		require.NoError(t, err)
		require.Error(t, agg.Accumulate(stream.Row{"a", nil, nil}))
	})
}

func TestAggregate_Count(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	all, err := transform.NewCount(table, "")
	require.NoError(t, err)
	nonNull, err := transform.NewCount(table, "value")
	require.NoError(t, err)

	rows := []stream.Row{
		{"a", int64(1), 1.0},
		{"a", int64(2), nil},
		{"a", int64(3), 3.0},
	}
	require.Equal(t, int64(3), accumulate(t, all, rows...))
	require.Equal(t, int64(2), accumulate(t, nonNull, rows...))
}

func TestAggregate_CountDistinct(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	agg, err := transform.NewCountDistinct(table, "sensor")
	require.NoError(t, err)
	v := accumulate(t, agg,
		stream.Row{"a", nil, nil},
		stream.Row{"b", nil, nil},
		stream.Row{"a", nil, nil},
		stream.Row{nil, nil, nil},
	)
	require.Equal(t, int64(2), v, "duplicates and nulls do not count")
}

func TestAggregate_MinMax(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	rows := []stream.Row{
		{"a", nil, 2.0},
		{"a", nil, nil},
		{"a", nil, -1.0},
		{"a", nil, 5.0},
	}

	minAgg, err := transform.NewMin(table, "value")
	require.NoError(t, err)
	require.Equal(t, -1.0, accumulate(t, minAgg, rows...))

	maxAgg, err := transform.NewMax(table, "value")
	require.NoError(t, err)
	require.Equal(t, 5.0, accumulate(t, maxAgg, rows...))
}

func TestAggregate_Average(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	agg, err := transform.NewAverage(table, "value")
	require.NoError(t, err)
	v := accumulate(t, agg,
		stream.Row{"a", nil, 1.0},
		stream.Row{"a", nil, nil},
		stream.Row{"a", nil, 3.0},
	)
	require.Equal(t, 2.0, v, "nulls are skipped, not averaged as zero")

	empty, err := transform.NewAverage(table, "value")
	require.NoError(t, err)
	require.Nil(t, accumulate(t, empty))
}

func TestAggregate_Concat(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	agg, err := transform.NewConcat(table, "sensor", ", ")
	require.NoError(t, err)
	v := accumulate(t, agg,
		stream.Row{"a", nil, nil},
		stream.Row{nil, nil, nil},
		stream.Row{"b", nil, nil},
	)
	require.Equal(t, "a, b", v)
}

func TestAggregate_Reset(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	agg, err := transform.NewSum(table, "count")
	require.NoError(t, err)
	require.Equal(t, int64(5), accumulate(t, agg, stream.Row{"a", int64(5), nil}))

	agg.Reset()
	require.Equal(t, int64(2), accumulate(t, agg, stream.Row{"a", int64(2), nil}))
}

func TestAggregate_UnknownColumn(t *testing.T) {
	t.Parallel()
	table := aggTable(t)

	_, err := transform.NewSum(table, "missing")
	require.Error(t, err)
	_, err = transform.NewCountDistinct(table, "missing")
	require.Error(t, err)
}
