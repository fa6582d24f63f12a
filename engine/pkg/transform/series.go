package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// SeriesColumn computes one windowed value per input row. Eval receives the
// fully materialized group and the index of the current row within it, so
// accumulators may look ahead and behind.
type SeriesColumn struct {
	Column schema.Column
	Eval   func(group []stream.Row, index int) (any, error)
}

// SeriesConfig configures a series stage: grouping is implicitly by the
// sequence column within the optional outer group-by columns.
type SeriesConfig struct {
	Logger   *slog.Logger
	Upstream stream.RowStream

	GroupBy        []string
	SequenceColumn string
	Columns        []SeriesColumn
}

func (c *SeriesConfig) Validate() error {
	if c.Upstream == nil {
		return fmt.Errorf("series requires an upstream stream")
	}
	if c.SequenceColumn == "" {
		return fmt.Errorf("series requires a sequence column")
	}
	if len(c.Columns) == 0 {
		return fmt.Errorf("series requires at least one series column")
	}
	return nil
}

// Series is the windowed specialization of the group stage: each group is
// materialized in full before any of its rows is finalized, because
// look-ahead windows need future rows. Output is one row per input row with
// the series columns appended.
type Series struct {
	log *slog.Logger
	cfg SeriesConfig

	state    stream.State
	table    *schema.Table
	ordinals []int
	keyTypes []schema.DataType

	ahead   stream.Row
	started bool
	done    bool
	group   []stream.Row
	pos     int
	current stream.Row
}

func NewSeries(cfg SeriesConfig) (*Series, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate series config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Series{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Series) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	if s.state != stream.StateUnopened {
		return &stream.StateError{Op: "open", State: s.state}
	}

	order := append(ascKeys(s.cfg.GroupBy), stream.SortKey{Column: s.cfg.SequenceColumn})
	forwarded := cloneQuery(q)
	forwarded.Sort = order
	if err := s.cfg.Upstream.Open(ctx, runID, forwarded); err != nil {
		return fmt.Errorf("failed to open series upstream: %w", err)
	}

	in := s.cfg.Upstream.Schema()
	var err error
	if s.ordinals, err = ordinalsOf(in, s.cfg.GroupBy); err != nil {
		return fmt.Errorf("failed to resolve series group-by columns: %w", err)
	}
	if _, err = in.Ordinal(s.cfg.SequenceColumn); err != nil {
		return fmt.Errorf("failed to resolve series sequence column: %w", err)
	}
	s.keyTypes = make([]schema.DataType, len(s.ordinals))
	for i, o := range s.ordinals {
		s.keyTypes[i] = in.Column(o).DataType
	}

	if !stream.OrderSatisfies(stream.OrderOf(s.cfg.Upstream), order) {
		return fmt.Errorf("series upstream %q is not ordered by group-by plus sequence column; precede it with a sort stage", in.Name())
	}

	cols := append([]schema.Column(nil), in.Columns()...)
	for _, c := range s.cfg.Columns {
		cols = append(cols, c.Column)
	}
	if s.table, err = schema.New(in.Name()+"_series", cols...); err != nil {
		return fmt.Errorf("failed to build series output schema: %w", err)
	}

	s.state = stream.StateOpen
	return nil
}

func (s *Series) Read(ctx context.Context) (bool, error) {
	switch s.state {
	case stream.StateOpen:
	case stream.StateExhausted:
		return false, nil
	default:
		return false, &stream.StateError{Op: "read", State: s.state}
	}

	if s.pos >= len(s.group) {
		ok, err := s.loadGroup(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			s.state = stream.StateExhausted
			s.current = nil
			return false, nil
		}
	}

	row := s.group[s.pos]
	out := make(stream.Row, 0, s.table.Len())
	out = append(out, row...)
	for _, c := range s.cfg.Columns {
		v, err := c.Eval(s.group, s.pos)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate series column %q: %w", c.Column.Name, err)
		}
		out = append(out, v)
	}
	s.pos++
	s.current = out
	return true, nil
}

// loadGroup materializes the next full group.
func (s *Series) loadGroup(ctx context.Context) (bool, error) {
	if s.done {
		return false, nil
	}
	if !s.started {
		s.started = true
		ok, err := s.cfg.Upstream.Read(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			s.done = true
			return false, nil
		}
		s.ahead = s.cfg.Upstream.Row().Clone()
	}
	if s.ahead == nil {
		s.done = true
		return false, nil
	}

	key := keyValues(s.ahead, s.ordinals)
	s.group = s.group[:0]
	s.group = append(s.group, s.ahead)
	s.ahead = nil
	s.pos = 0

	for {
		ok, err := s.cfg.Upstream.Read(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			s.done = true
			return true, nil
		}
		row := s.cfg.Upstream.Row().Clone()
		c, err := compareTuples(s.keyTypes, keyValues(row, s.ordinals), key)
		if err != nil {
			return false, fmt.Errorf("failed to compare series group keys: %w", err)
		}
		if c != 0 {
			s.ahead = row
			return true, nil
		}
		s.group = append(s.group, row)
	}
}

func (s *Series) Row() stream.Row { return s.current }

func (s *Series) Value(ordinal int) any { return s.current[ordinal] }

func (s *Series) ValueByName(name string) (any, error) {
	ordinal, err := s.table.Ordinal(name)
	if err != nil {
		return nil, err
	}
	return s.current[ordinal], nil
}

func (s *Series) Schema() *schema.Table { return s.table }

func (s *Series) Capabilities() stream.Capabilities {
	caps := s.cfg.Upstream.Capabilities()
	caps.SupportsReset = false
	return caps
}

func (s *Series) Order() []stream.SortKey {
	return append(ascKeys(s.cfg.GroupBy), stream.SortKey{Column: s.cfg.SequenceColumn})
}

func (s *Series) Reset() error {
	return &stream.StateError{Op: "reset", State: s.state}
}

func (s *Series) Close() error {
	if s.state == stream.StateClosed {
		return &stream.StateError{Op: "close", State: s.state}
	}
	s.state = stream.StateClosed
	s.current = nil
	s.group = nil
	s.ahead = nil
	return s.cfg.Upstream.Close()
}

// NewMovingAverage returns a series column evaluating the mean of a numeric
// column over a bounded window of before preceding and after following
// rows, clamped at group edges.
func NewMovingAverage(table *schema.Table, name, column string, before, after int) (SeriesColumn, error) {
	ordinal, err := table.Ordinal(column)
	if err != nil {
		return SeriesColumn{}, err
	}
	return SeriesColumn{
		Column: schema.Column{Name: name, DataType: schema.TypeFloat64, Nullable: true},
		Eval: func(group []stream.Row, index int) (any, error) {
			lo := max(0, index-before)
			hi := min(len(group)-1, index+after)
			var sum float64
			var n int64
			for i := lo; i <= hi; i++ {
				v := group[i][ordinal]
				if v == nil {
					continue
				}
				f, ok := toFloat64(v)
				if !ok {
					return nil, fmt.Errorf("moving average: value %T is not numeric", v)
				}
				sum += f
				n++
			}
			if n == 0 {
				return nil, nil
			}
			return sum / float64(n), nil
		},
	}, nil
}
