package transform_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
	"github.com/flumelabs/flume/engine/pkg/transform"
)

func seriesFixture(t *testing.T) *stream.MemoryTable {
	t.Helper()
	return newMem(t, ordersTable(t),
		stream.Row{int64(1), "east", 10.0},
		stream.Row{int64(2), "east", 20.0},
		stream.Row{int64(3), "east", 30.0},
		stream.Row{int64(4), "west", 100.0},
		stream.Row{int64(5), "west", nil},
	)
}

func openSeries(t *testing.T, cfg transform.SeriesConfig) *transform.Series {
	t.Helper()
	cfg.Logger = testLogger()
	s, err := transform.NewSeries(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), uuid.New(), nil))
	return s
}

func TestSeries_MovingAverage(t *testing.T) {
	t.Parallel()
	src := seriesFixture(t)

	ma, err := transform.NewMovingAverage(src.Schema(), "amount_ma", "amount", 1, 1)
	require.NoError(t, err)

	s := openSeries(t, transform.SeriesConfig{
		Upstream:       src,
		GroupBy:        []string{"region"},
		SequenceColumn: "order_id",
		Columns:        []transform.SeriesColumn{ma},
	})
	require.Equal(t, "orders_series", s.Schema().Name())

	rows := drain(t, s)
	require.Len(t, rows, 5, "one output row per input row")

	// East windows clamp at the group edges; west never sees east rows.
	require.Equal(t, 15.0, rows[0][3])
	require.Equal(t, 20.0, rows[1][3])
	require.Equal(t, 25.0, rows[2][3])
	require.Equal(t, 100.0, rows[3][3], "null neighbor is skipped, not zeroed")
	require.Equal(t, 100.0, rows[4][3])
	require.NoError(t, s.Close())
}

func TestSeries_GlobalGroup(t *testing.T) {
	t.Parallel()
	src := seriesFixture(t)

	ma, err := transform.NewMovingAverage(src.Schema(), "amount_ma", "amount", 2, 0)
	require.NoError(t, err)

	s := openSeries(t, transform.SeriesConfig{
		Upstream:       src,
		SequenceColumn: "order_id",
		Columns:        []transform.SeriesColumn{ma},
	})

	rows := drain(t, s)
	require.Equal(t, 10.0, rows[0][3])
	require.Equal(t, 15.0, rows[1][3])
	require.Equal(t, 20.0, rows[2][3])
	require.Equal(t, 50.0, rows[3][3], "trailing window crosses what would be a group boundary")
}

func TestSeries_LookAhead(t *testing.T) {
	t.Parallel()
	src := seriesFixture(t)

	next := transform.SeriesColumn{
		Column: schema.Column{Name: "next_amount", DataType: schema.TypeFloat64, Nullable: true},
		Eval: func(group []stream.Row, index int) (any, error) {
			if index+1 >= len(group) {
				return nil, nil
			}
			return group[index+1][2], nil
		},
	}

	s := openSeries(t, transform.SeriesConfig{
		Upstream:       src,
		GroupBy:        []string{"region"},
		SequenceColumn: "order_id",
		Columns:        []transform.SeriesColumn{next},
	})

	rows := drain(t, s)
	require.Equal(t, 20.0, rows[0][3])
	require.Equal(t, 30.0, rows[1][3])
	require.Nil(t, rows[2][3], "last row of the group has no successor")
	require.Nil(t, rows[3][3], "west's successor value is null")
	require.Nil(t, rows[4][3])
}

func TestSeries_UnsortedUpstream(t *testing.T) {
	t.Parallel()
	src := &sortShim{RowStream: seriesFixture(t)}

	ma, err := transform.NewMovingAverage(ordersTable(t), "amount_ma", "amount", 1, 1)
	require.NoError(t, err)

	s, err := transform.NewSeries(transform.SeriesConfig{
		Logger:         testLogger(),
		Upstream:       src,
		GroupBy:        []string{"region"},
		SequenceColumn: "order_id",
		Columns:        []transform.SeriesColumn{ma},
	})
	require.NoError(t, err)
	err = s.Open(context.Background(), uuid.New(), nil)
	require.ErrorContains(t, err, "not ordered by group-by plus sequence column")
}

func TestSeries_ConfigValidation(t *testing.T) {
	t.Parallel()
	src := seriesFixture(t)

	ma, err := transform.NewMovingAverage(ordersTable(t), "ma", "amount", 1, 1)
	require.NoError(t, err)

	_, err = transform.NewSeries(transform.SeriesConfig{Upstream: src, SequenceColumn: "order_id"})
	require.Error(t, err, "no series columns")

	_, err = transform.NewSeries(transform.SeriesConfig{Upstream: src, Columns: []transform.SeriesColumn{ma}})
	require.Error(t, err, "no sequence column")
}
