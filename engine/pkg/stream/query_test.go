package stream_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flumelabs/flume/engine/pkg/stream"
)

func TestFilter_Matches(t *testing.T) {
	t.Parallel()
	table := eventsTable(t)
	row := stream.Row{int64(5), "click", nil}

	cases := []struct {
		name   string
		filter stream.Filter
		want   bool
	}{
		{"eq match", stream.Filter{Column: "id", Op: stream.FilterEq, Value: int64(5)}, true},
		{"eq miss", stream.Filter{Column: "id", Op: stream.FilterEq, Value: int64(6)}, false},
		{"neq", stream.Filter{Column: "kind", Op: stream.FilterNotEq, Value: "view"}, true},
		{"lt", stream.Filter{Column: "id", Op: stream.FilterLt, Value: int64(6)}, true},
		{"lte equal", stream.Filter{Column: "id", Op: stream.FilterLte, Value: int64(5)}, true},
		{"gt miss", stream.Filter{Column: "id", Op: stream.FilterGt, Value: int64(5)}, false},
		{"gte equal", stream.Filter{Column: "id", Op: stream.FilterGte, Value: int64(5)}, true},
		{"is null", stream.Filter{Column: "score", Op: stream.FilterIsNull}, true},
		{"is not null", stream.Filter{Column: "score", Op: stream.FilterIsNotNull}, false},
		// SQL semantics: null never matches a value comparison.
		{"null eq", stream.Filter{Column: "score", Op: stream.FilterEq, Value: 0.5}, false},
		{"null neq", stream.Filter{Column: "score", Op: stream.FilterNotEq, Value: 0.5}, false},
		{"null lt", stream.Filter{Column: "score", Op: stream.FilterLt, Value: 0.5}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.filter.Matches(table, row)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFilter_Matches_UnknownColumn(t *testing.T) {
	t.Parallel()
	table := eventsTable(t)
	_, err := (stream.Filter{Column: "nope", Op: stream.FilterEq, Value: 1}).Matches(table, stream.Row{int64(1), "x", nil})
	require.Error(t, err)
}

func TestMatchesAll_ShortCircuit(t *testing.T) {
	t.Parallel()
	table := eventsTable(t)
	row := stream.Row{int64(5), "click", 1.0}

	ok, err := stream.MatchesAll([]stream.Filter{
		{Column: "kind", Op: stream.FilterEq, Value: "view"},
		{Column: "nope", Op: stream.FilterEq, Value: 1}, // never evaluated
	}, table, row)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompareKeys_Directions(t *testing.T) {
	t.Parallel()
	table := eventsTable(t)
	low := stream.Row{int64(1), "a", nil}
	high := stream.Row{int64(2), "a", 1.0}

	c, err := stream.CompareKeys(table, []stream.SortKey{{Column: "id"}}, low, high)
	require.NoError(t, err)
	require.Equal(t, -1, c)

	c, err = stream.CompareKeys(table, []stream.SortKey{{Column: "id", Descending: true}}, low, high)
	require.NoError(t, err)
	require.Equal(t, 1, c)

	// Nulls first ascending, last descending.
	c, err = stream.CompareKeys(table, []stream.SortKey{{Column: "score"}}, low, high)
	require.NoError(t, err)
	require.Equal(t, -1, c)

	c, err = stream.CompareKeys(table, []stream.SortKey{{Column: "score", Descending: true}}, low, high)
	require.NoError(t, err)
	require.Equal(t, 1, c)
}

func TestSortRows_StableMultiKey(t *testing.T) {
	t.Parallel()
	table := eventsTable(t)
	rows := []stream.Row{
		{int64(2), "b", nil},
		{int64(1), "b", nil},
		{int64(3), "a", nil},
		{int64(1), "a", nil},
	}
	err := stream.SortRows(table, []stream.SortKey{{Column: "id"}, {Column: "kind"}}, rows)
	require.NoError(t, err)
	require.Equal(t, stream.Row{int64(1), "a", nil}, rows[0])
	require.Equal(t, stream.Row{int64(1), "b", nil}, rows[1])
	require.Equal(t, stream.Row{int64(2), "b", nil}, rows[2])
	require.Equal(t, stream.Row{int64(3), "a", nil}, rows[3])
}

func TestSortRows_CompareErrorSurfaces(t *testing.T) {
	t.Parallel()
	table := eventsTable(t)
	rows := []stream.Row{
		{int64(1), "a", nil},
		{"bad", "b", nil},
	}
	err := stream.SortRows(table, []stream.SortKey{{Column: "id"}}, rows)
	require.Error(t, err)
}
