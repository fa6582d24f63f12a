// Package transform implements the composable stages of the pipeline: sort,
// filter, mapping, join/lookup, group/aggregate and series. Every stage
// implements stream.RowStream and holds its upstream dependency, so stages
// chain by construction.
package transform

import (
	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// cloneQuery copies a pushdown query so a stage can adjust what it forwards
// upstream without mutating the caller's query.
func cloneQuery(q *stream.Query) *stream.Query {
	if q == nil {
		return &stream.Query{}
	}
	out := &stream.Query{
		Filters:    append([]stream.Filter(nil), q.Filters...),
		Sort:       append([]stream.SortKey(nil), q.Sort...),
		Projection: append([]string(nil), q.Projection...),
	}
	return out
}

// keyValues extracts the values at the given ordinals from a row.
func keyValues(row stream.Row, ordinals []int) []any {
	out := make([]any, len(ordinals))
	for i, o := range ordinals {
		out[i] = row[o]
	}
	return out
}

// ordinalsOf resolves column names to ordinals against a schema.
func ordinalsOf(table *schema.Table, names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		o, err := table.Ordinal(name)
		if err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}

// compareTuples orders two key tuples element-wise using the given data
// types. Tuples must have the same arity.
func compareTuples(types []schema.DataType, a, b []any) (int, error) {
	for i, dt := range types {
		c, err := schema.Compare(dt, a[i], b[i])
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	return 0, nil
}

// ascKeys builds an ascending sort specification over the given columns.
func ascKeys(columns []string) []stream.SortKey {
	keys := make([]stream.SortKey, len(columns))
	for i, c := range columns {
		keys[i] = stream.SortKey{Column: c}
	}
	return keys
}
