package schema

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CompareError is returned when two values cannot be compared as the declared
// data type. It carries enough context to identify the offending value.
type CompareError struct {
	DataType DataType
	Left     any
	Right    any
}

func (e *CompareError) Error() string {
	return fmt.Sprintf("cannot compare %T and %T as %s", e.Left, e.Right, e.DataType)
}

// Compare orders two values of the given data type. Nil (null) sorts before
// every non-null value; two nils are equal. Integer and float variants are
// widened before comparison so int32 and int64 source values order correctly
// against each other.
func Compare(dt DataType, a, b any) (int, error) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, nil
		case a == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}

	switch dt {
	case TypeString, TypeUnknown:
		av, aok := asString(a)
		bv, bok := asString(b)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		return compareOrdered(av, bv), nil
	case TypeInt16, TypeInt32, TypeInt64:
		av, aok := asInt64(a)
		bv, bok := asInt64(b)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		return compareOrdered(av, bv), nil
	case TypeFloat32, TypeFloat64:
		av, aok := asFloat64(a)
		bv, bok := asFloat64(b)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		return compareOrdered(av, bv), nil
	case TypeDecimal:
		av, aok := asDecimal(a)
		bv, bok := asDecimal(b)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		return av.Cmp(bv), nil
	case TypeBool:
		av, aok := a.(bool)
		bv, bok := b.(bool)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		default:
			return 1, nil
		}
	case TypeDateTime, TypeTime:
		av, aok := a.(time.Time)
		bv, bok := b.(time.Time)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		return av.Compare(bv), nil
	case TypeGUID:
		av, aok := asGUID(a)
		bv, bok := asGUID(b)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		return bytes.Compare(av[:], bv[:]), nil
	case TypeBinary:
		av, aok := a.([]byte)
		bv, bok := b.([]byte)
		if !aok || !bok {
			return 0, &CompareError{DataType: dt, Left: a, Right: b}
		}
		return bytes.Compare(av, bv), nil
	default:
		return 0, &CompareError{DataType: dt, Left: a, Right: b}
	}
}

// Equal reports whether two values of the given data type compare equal.
func Equal(dt DataType, a, b any) (bool, error) {
	c, err := Compare(dt, a, b)
	if err != nil {
		return false, err
	}
	return c == 0, nil
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, true
	case string:
		parsed, err := decimal.NewFromString(d)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return parsed, true
	case int64:
		return decimal.NewFromInt(d), true
	case float64:
		return decimal.NewFromFloat(d), true
	default:
		return decimal.Decimal{}, false
	}
}

func asGUID(v any) (uuid.UUID, bool) {
	switch g := v.(type) {
	case uuid.UUID:
		return g, true
	case string:
		parsed, err := uuid.Parse(g)
		if err != nil {
			return uuid.Nil, false
		}
		return parsed, true
	default:
		return uuid.Nil, false
	}
}
