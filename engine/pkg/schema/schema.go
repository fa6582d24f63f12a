package schema

import (
	"fmt"
)

// DataType is the closed set of logical column types the engine compares and
// moves between streams. Connector-specific types must be mapped onto one of
// these before a stream is opened.
type DataType int

const (
	TypeUnknown DataType = iota
	TypeString
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeDecimal
	TypeBool
	TypeDateTime
	TypeTime
	TypeGUID
	TypeBinary
)

var dataTypeNames = map[DataType]string{
	TypeUnknown:  "unknown",
	TypeString:   "string",
	TypeInt16:    "int16",
	TypeInt32:    "int32",
	TypeInt64:    "int64",
	TypeFloat32:  "float32",
	TypeFloat64:  "float64",
	TypeDecimal:  "decimal",
	TypeBool:     "bool",
	TypeDateTime: "datetime",
	TypeTime:     "time",
	TypeGUID:     "guid",
	TypeBinary:   "binary",
}

func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("datatype(%d)", int(t))
}

// DeltaType tags the role a column plays during a delta merge. The zero value
// is IgnoreField: the column is carried through but never compared.
type DeltaType int

const (
	DeltaIgnoreField DeltaType = iota
	DeltaNaturalKey
	DeltaTrackingField
	DeltaSurrogateKey
	DeltaAutoIncrement
	DeltaValidFromDate
	DeltaValidToDate
	DeltaIsCurrentFlag
	DeltaUpdateDate
	DeltaCreateDate
	DeltaDbAutoIncrement
)

var deltaTypeNames = map[DeltaType]string{
	DeltaIgnoreField:     "ignore_field",
	DeltaNaturalKey:      "natural_key",
	DeltaTrackingField:   "tracking_field",
	DeltaSurrogateKey:    "surrogate_key",
	DeltaAutoIncrement:   "auto_increment",
	DeltaValidFromDate:   "valid_from_date",
	DeltaValidToDate:     "valid_to_date",
	DeltaIsCurrentFlag:   "is_current_flag",
	DeltaUpdateDate:      "update_date",
	DeltaCreateDate:      "create_date",
	DeltaDbAutoIncrement: "db_auto_increment",
}

func (t DeltaType) String() string {
	if s, ok := deltaTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("deltatype(%d)", int(t))
}

// Column describes one field of a table schema.
type Column struct {
	Name        string
	LogicalName string
	DataType    DataType
	Nullable    bool
	DeltaType   DeltaType
}

// Table is an ordered column list. Insertion order is physical ordinal order
// and column names are unique within a table.
type Table struct {
	name    string
	columns []Column
	byName  map[string]int
}

// ColumnNotFoundError is returned when a name lookup misses the schema.
type ColumnNotFoundError struct {
	Table  string
	Column string
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("column %q not found in table %q", e.Column, e.Table)
}

// New builds a table schema from an ordered column list.
func New(name string, columns ...Column) (*Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q has no columns", name)
	}
	byName := make(map[string]int, len(columns))
	for i, col := range columns {
		if col.Name == "" {
			return nil, fmt.Errorf("table %q column %d has no name", name, i)
		}
		if _, exists := byName[col.Name]; exists {
			return nil, fmt.Errorf("table %q has duplicate column %q", name, col.Name)
		}
		byName[col.Name] = i
	}
	return &Table{name: name, columns: columns, byName: byName}, nil
}

// MustNew is New for statically known schemas; it panics on error.
func MustNew(name string, columns ...Column) *Table {
	t, err := New(name, columns...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Name() string { return t.name }

func (t *Table) Len() int { return len(t.columns) }

// Columns returns the ordered column list. Callers must not mutate it.
func (t *Table) Columns() []Column { return t.columns }

func (t *Table) Column(ordinal int) Column { return t.columns[ordinal] }

// Ordinal returns the physical position of the named column.
func (t *Table) Ordinal(name string) (int, error) {
	i, ok := t.byName[name]
	if !ok {
		return -1, &ColumnNotFoundError{Table: t.name, Column: name}
	}
	return i, nil
}

// Ordinals returns the ordinals of every column tagged with the given delta
// type, in physical order.
func (t *Table) Ordinals(dt DeltaType) []int {
	var out []int
	for i, col := range t.columns {
		if col.DeltaType == dt {
			out = append(out, i)
		}
	}
	return out
}

// OrdinalOf returns the ordinal of the first column tagged with the given
// delta type, or false when no column carries it.
func (t *Table) OrdinalOf(dt DeltaType) (int, bool) {
	for i, col := range t.columns {
		if col.DeltaType == dt {
			return i, true
		}
	}
	return -1, false
}

// NaturalKey returns the ordinals of the natural key columns.
func (t *Table) NaturalKey() []int { return t.Ordinals(DeltaNaturalKey) }

// TrackingFields returns the ordinals of the tracking field columns.
func (t *Table) TrackingFields() []int { return t.Ordinals(DeltaTrackingField) }

// ColumnNames returns the names of the given ordinals.
func (t *Table) ColumnNames(ordinals []int) []string {
	names := make([]string, len(ordinals))
	for i, o := range ordinals {
		names[i] = t.columns[o].Name
	}
	return names
}

// Project builds a derived schema containing only the named columns, in the
// requested order.
func (t *Table) Project(names []string) (*Table, []int, error) {
	cols := make([]Column, 0, len(names))
	ordinals := make([]int, 0, len(names))
	for _, name := range names {
		i, err := t.Ordinal(name)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, t.columns[i])
		ordinals = append(ordinals, i)
	}
	projected, err := New(t.name, cols...)
	if err != nil {
		return nil, nil, err
	}
	return projected, ordinals, nil
}
