package stream

import (
	"fmt"

	"github.com/flumelabs/flume/engine/pkg/schema"
)

// FilterOp is the comparison operator of a pushdown filter.
type FilterOp int

const (
	FilterEq FilterOp = iota
	FilterNotEq
	FilterLt
	FilterLte
	FilterGt
	FilterGte
	FilterIsNull
	FilterIsNotNull
)

// Filter is one pushdown predicate: column op value.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// SortKey is one (column, direction) pair of a sort specification.
type SortKey struct {
	Column     string
	Descending bool
}

// Query carries the filters, sort keys and column projection a caller wants
// applied as early as possible. A capable upstream applies them natively;
// otherwise the requesting stage applies them itself downstream.
type Query struct {
	Filters    []Filter
	Sort       []SortKey
	Projection []string
}

// Matches evaluates a single filter against a row of the given schema.
func (f Filter) Matches(table *schema.Table, row Row) (bool, error) {
	ordinal, err := table.Ordinal(f.Column)
	if err != nil {
		return false, err
	}
	val := row[ordinal]

	switch f.Op {
	case FilterIsNull:
		return val == nil, nil
	case FilterIsNotNull:
		return val != nil, nil
	}

	if val == nil {
		// SQL semantics: null never matches a value comparison.
		return false, nil
	}

	c, err := schema.Compare(table.Column(ordinal).DataType, val, f.Value)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter on column %q: %w", f.Column, err)
	}
	switch f.Op {
	case FilterEq:
		return c == 0, nil
	case FilterNotEq:
		return c != 0, nil
	case FilterLt:
		return c < 0, nil
	case FilterLte:
		return c <= 0, nil
	case FilterGt:
		return c > 0, nil
	case FilterGte:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("unknown filter op %d on column %q", f.Op, f.Column)
	}
}

// MatchesAll evaluates every filter, short-circuiting on the first miss.
func MatchesAll(filters []Filter, table *schema.Table, row Row) (bool, error) {
	for _, f := range filters {
		ok, err := f.Matches(table, row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
