package transform

import (
	"fmt"
	"strings"

	"github.com/flumelabs/flume/engine/pkg/keys"
	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// The standard accumulators. Each captures the ordinal and data type of its
// input column at construction so setup errors surface before any row is
// read.

// NewSum sums a numeric column, widening integers to int64 and floats to
// float64. Nulls are skipped.
func NewSum(table *schema.Table, column string) (Aggregator, error) {
	ordinal, dt, err := resolveAggColumn(table, column)
	if err != nil {
		return nil, err
	}
	return &sumAgg{ordinal: ordinal, dt: dt}, nil
}

type sumAgg struct {
	ordinal int
	dt      schema.DataType
	intSum  int64
	fltSum  float64
	isFloat bool
	seen    bool
}

func (a *sumAgg) Accumulate(row stream.Row) error {
	v := row[a.ordinal]
	if v == nil {
		return nil
	}
	switch a.dt {
	case schema.TypeInt16, schema.TypeInt32, schema.TypeInt64:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("sum: value %T is not an integer", v)
		}
		a.intSum += n
	case schema.TypeFloat32, schema.TypeFloat64:
		n, ok := toFloat64(v)
		if !ok {
			return fmt.Errorf("sum: value %T is not a float", v)
		}
		a.fltSum += n
		a.isFloat = true
	default:
		return fmt.Errorf("sum: unsupported data type %s", a.dt)
	}
	a.seen = true
	return nil
}

func (a *sumAgg) Finalize() (any, error) {
	if !a.seen {
		return nil, nil
	}
	if a.isFloat {
		return a.fltSum, nil
	}
	return a.intSum, nil
}

func (a *sumAgg) Reset() {
	a.intSum, a.fltSum, a.isFloat, a.seen = 0, 0, false, false
}

// NewCount counts rows; with a column it counts non-null values.
func NewCount(table *schema.Table, column string) (Aggregator, error) {
	ordinal := -1
	if column != "" {
		o, err := table.Ordinal(column)
		if err != nil {
			return nil, err
		}
		ordinal = o
	}
	return &countAgg{ordinal: ordinal}, nil
}

type countAgg struct {
	ordinal int
	n       int64
}

func (a *countAgg) Accumulate(row stream.Row) error {
	if a.ordinal >= 0 && row[a.ordinal] == nil {
		return nil
	}
	a.n++
	return nil
}

func (a *countAgg) Finalize() (any, error) { return a.n, nil }

func (a *countAgg) Reset() { a.n = 0 }

// NewCountDistinct counts distinct non-null values of a column, using the
// deterministic key encoding for value identity.
func NewCountDistinct(table *schema.Table, column string) (Aggregator, error) {
	ordinal, err := table.Ordinal(column)
	if err != nil {
		return nil, err
	}
	return &countDistinctAgg{ordinal: ordinal, seen: map[string]struct{}{}}, nil
}

type countDistinctAgg struct {
	ordinal int
	seen    map[string]struct{}
}

func (a *countDistinctAgg) Accumulate(row stream.Row) error {
	v := row[a.ordinal]
	if v == nil {
		return nil
	}
	a.seen[string(keys.Encode(v))] = struct{}{}
	return nil
}

func (a *countDistinctAgg) Finalize() (any, error) { return int64(len(a.seen)), nil }

func (a *countDistinctAgg) Reset() { a.seen = map[string]struct{}{} }

// NewMin keeps the smallest non-null value of a column.
func NewMin(table *schema.Table, column string) (Aggregator, error) {
	ordinal, dt, err := resolveAggColumn(table, column)
	if err != nil {
		return nil, err
	}
	return &extremeAgg{ordinal: ordinal, dt: dt, keepGreater: false}, nil
}

// NewMax keeps the largest non-null value of a column.
func NewMax(table *schema.Table, column string) (Aggregator, error) {
	ordinal, dt, err := resolveAggColumn(table, column)
	if err != nil {
		return nil, err
	}
	return &extremeAgg{ordinal: ordinal, dt: dt, keepGreater: true}, nil
}

type extremeAgg struct {
	ordinal     int
	dt          schema.DataType
	keepGreater bool
	best        any
	seen        bool
}

func (a *extremeAgg) Accumulate(row stream.Row) error {
	v := row[a.ordinal]
	if v == nil {
		return nil
	}
	if !a.seen {
		a.best, a.seen = v, true
		return nil
	}
	c, err := schema.Compare(a.dt, v, a.best)
	if err != nil {
		return err
	}
	if (a.keepGreater && c > 0) || (!a.keepGreater && c < 0) {
		a.best = v
	}
	return nil
}

func (a *extremeAgg) Finalize() (any, error) {
	if !a.seen {
		return nil, nil
	}
	return a.best, nil
}

func (a *extremeAgg) Reset() { a.best, a.seen = nil, false }

// NewAverage averages a numeric column, skipping nulls.
func NewAverage(table *schema.Table, column string) (Aggregator, error) {
	ordinal, dt, err := resolveAggColumn(table, column)
	if err != nil {
		return nil, err
	}
	return &avgAgg{ordinal: ordinal, dt: dt}, nil
}

type avgAgg struct {
	ordinal int
	dt      schema.DataType
	sum     float64
	n       int64
}

func (a *avgAgg) Accumulate(row stream.Row) error {
	v := row[a.ordinal]
	if v == nil {
		return nil
	}
	n, ok := toFloat64(v)
	if !ok {
		return fmt.Errorf("average: value %T is not numeric", v)
	}
	a.sum += n
	a.n++
	return nil
}

func (a *avgAgg) Finalize() (any, error) {
	if a.n == 0 {
		return nil, nil
	}
	return a.sum / float64(a.n), nil
}

func (a *avgAgg) Reset() { a.sum, a.n = 0, 0 }

// NewConcat joins string values with a separator in row order.
func NewConcat(table *schema.Table, column, separator string) (Aggregator, error) {
	ordinal, err := table.Ordinal(column)
	if err != nil {
		return nil, err
	}
	return &concatAgg{ordinal: ordinal, sep: separator}, nil
}

type concatAgg struct {
	ordinal int
	sep     string
	parts   []string
}

func (a *concatAgg) Accumulate(row stream.Row) error {
	v := row[a.ordinal]
	if v == nil {
		return nil
	}
	a.parts = append(a.parts, fmt.Sprintf("%v", v))
	return nil
}

func (a *concatAgg) Finalize() (any, error) { return strings.Join(a.parts, a.sep), nil }

func (a *concatAgg) Reset() { a.parts = nil }

func resolveAggColumn(table *schema.Table, column string) (int, schema.DataType, error) {
	ordinal, err := table.Ordinal(column)
	if err != nil {
		return -1, schema.TypeUnknown, err
	}
	return ordinal, table.Column(ordinal).DataType, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
