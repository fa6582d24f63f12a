package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// Aggregator is the accumulate/finalize/reset contract a group stage runs
// per group. Concrete accumulators are collaborators; this package ships a
// small standard set in aggregate.go.
type Aggregator interface {
	Accumulate(row stream.Row) error
	Finalize() (any, error)
	Reset()
}

// AggregateColumn binds an output column definition to the aggregator that
// produces its value.
type AggregateColumn struct {
	Column     schema.Column
	Aggregator Aggregator
}

// GroupConfig configures a group/aggregate stage.
type GroupConfig struct {
	Logger   *slog.Logger
	Upstream stream.RowStream

	// GroupBy lists the grouping columns. Empty means one global group.
	GroupBy    []string
	Aggregates []AggregateColumn

	// PassThrough additionally emits the first row's column values
	// alongside the aggregates instead of only the group-by columns.
	PassThrough bool
}

func (c *GroupConfig) Validate() error {
	if c.Upstream == nil {
		return fmt.Errorf("group requires an upstream stream")
	}
	if len(c.Aggregates) == 0 {
		return fmt.Errorf("group requires at least one aggregate column")
	}
	return nil
}

// Group reduces a key-ordered stream into one row per group by running its
// aggregators over each group and finalizing them on every group boundary.
// Input must arrive ordered by the group-by columns; the stage requests
// that order at Open and fails fast when the upstream cannot guarantee it.
type Group struct {
	log *slog.Logger
	cfg GroupConfig

	state    stream.State
	table    *schema.Table
	ordinals []int
	keyTypes []schema.DataType

	ahead   stream.Row
	started bool
	done    bool
	current stream.Row
}

func NewGroup(cfg GroupConfig) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate group config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Group{log: cfg.Logger, cfg: cfg}, nil
}

func (g *Group) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	if g.state != stream.StateUnopened {
		return &stream.StateError{Op: "open", State: g.state}
	}

	forwarded := cloneQuery(q)
	forwarded.Sort = ascKeys(g.cfg.GroupBy)
	if err := g.cfg.Upstream.Open(ctx, runID, forwarded); err != nil {
		return fmt.Errorf("failed to open group upstream: %w", err)
	}

	in := g.cfg.Upstream.Schema()
	var err error
	if g.ordinals, err = ordinalsOf(in, g.cfg.GroupBy); err != nil {
		return fmt.Errorf("failed to resolve group-by columns: %w", err)
	}
	g.keyTypes = make([]schema.DataType, len(g.ordinals))
	for i, o := range g.ordinals {
		g.keyTypes[i] = in.Column(o).DataType
	}

	if len(g.cfg.GroupBy) > 0 && !stream.OrderSatisfies(stream.OrderOf(g.cfg.Upstream), ascKeys(g.cfg.GroupBy)) {
		return fmt.Errorf("group upstream %q is not ordered by the group-by columns; precede it with a sort stage", in.Name())
	}

	var cols []schema.Column
	if g.cfg.PassThrough {
		cols = append(cols, in.Columns()...)
	} else {
		for _, o := range g.ordinals {
			cols = append(cols, in.Column(o))
		}
	}
	for _, a := range g.cfg.Aggregates {
		cols = append(cols, a.Column)
	}
	if g.table, err = schema.New(in.Name()+"_grouped", cols...); err != nil {
		return fmt.Errorf("failed to build group output schema: %w", err)
	}

	g.state = stream.StateOpen
	return nil
}

func (g *Group) Read(ctx context.Context) (bool, error) {
	switch g.state {
	case stream.StateOpen:
	case stream.StateExhausted:
		return false, nil
	default:
		return false, &stream.StateError{Op: "read", State: g.state}
	}
	if g.done {
		g.state = stream.StateExhausted
		return false, nil
	}

	if !g.started {
		g.started = true
		ok, err := g.cfg.Upstream.Read(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			// Empty input: even the global group emits nothing.
			g.done = true
			g.state = stream.StateExhausted
			return false, nil
		}
		g.ahead = g.cfg.Upstream.Row().Clone()
	}

	first := g.ahead
	g.ahead = nil
	key := keyValues(first, g.ordinals)
	for _, a := range g.cfg.Aggregates {
		a.Aggregator.Reset()
	}
	if err := g.accumulate(first); err != nil {
		return false, err
	}

	for {
		ok, err := g.cfg.Upstream.Read(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			g.done = true
			break
		}
		row := g.cfg.Upstream.Row().Clone()
		c, err := compareTuples(g.keyTypes, keyValues(row, g.ordinals), key)
		if err != nil {
			return false, fmt.Errorf("failed to compare group keys: %w", err)
		}
		if c != 0 {
			g.ahead = row
			break
		}
		if err := g.accumulate(row); err != nil {
			return false, err
		}
	}

	out := make(stream.Row, 0, g.table.Len())
	if g.cfg.PassThrough {
		out = append(out, first...)
	} else {
		out = append(out, key...)
	}
	for _, a := range g.cfg.Aggregates {
		v, err := a.Aggregator.Finalize()
		if err != nil {
			return false, fmt.Errorf("failed to finalize aggregate %q: %w", a.Column.Name, err)
		}
		out = append(out, v)
	}
	g.current = out
	return true, nil
}

func (g *Group) accumulate(row stream.Row) error {
	for _, a := range g.cfg.Aggregates {
		if err := a.Aggregator.Accumulate(row); err != nil {
			return fmt.Errorf("failed to accumulate aggregate %q: %w", a.Column.Name, err)
		}
	}
	return nil
}

func (g *Group) Row() stream.Row { return g.current }

func (g *Group) Value(ordinal int) any { return g.current[ordinal] }

func (g *Group) ValueByName(name string) (any, error) {
	ordinal, err := g.table.Ordinal(name)
	if err != nil {
		return nil, err
	}
	return g.current[ordinal], nil
}

func (g *Group) Schema() *schema.Table { return g.table }

func (g *Group) Capabilities() stream.Capabilities {
	caps := g.cfg.Upstream.Capabilities()
	caps.SupportsReset = false
	return caps
}

// Order reports the group-by order: one output row per key group, ascending.
func (g *Group) Order() []stream.SortKey { return ascKeys(g.cfg.GroupBy) }

func (g *Group) Reset() error {
	return &stream.StateError{Op: "reset", State: g.state}
}

func (g *Group) Close() error {
	if g.state == stream.StateClosed {
		return &stream.StateError{Op: "close", State: g.state}
	}
	g.state = stream.StateClosed
	g.current = nil
	g.ahead = nil
	return g.cfg.Upstream.Close()
}
