package delta

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/keys"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// Resolver accumulates natural key to surrogate key bindings as parent rows
// resolve, so a child level's key mapping can translate a parent reference
// into the surrogate key assigned during the same pass. Bindings are
// namespaced by table name.
//
// A resolver belongs to one cascade run and is read and written from a
// single goroutine.
type Resolver struct {
	bindings map[string]int64
}

func NewResolver() *Resolver {
	return &Resolver{bindings: make(map[string]int64)}
}

func (r *Resolver) bind(table string, key []any, surrogate int64) {
	r.bindings[bindingKey(table, key)] = surrogate
}

// Resolve returns the surrogate key bound to the given natural key, or false
// when the key has not been resolved yet this pass.
func (r *Resolver) Resolve(table string, key ...any) (int64, bool) {
	sk, ok := r.bindings[bindingKey(table, key)]
	return sk, ok
}

// MustResolve is Resolve for key mappings that treat a missing parent as a
// data error.
func (r *Resolver) MustResolve(table string, key ...any) (int64, error) {
	sk, ok := r.Resolve(table, key...)
	if !ok {
		return 0, fmt.Errorf("no surrogate key resolved for key %v in table %q", key, table)
	}
	return sk, nil
}

func bindingKey(table string, key []any) string {
	return table + "\x00" + string(keys.Encode(key...))
}

// Level is one tier of a hierarchical merge: a delta transform plus the
// consumer its resolved rows go to, typically a writer.
type Level struct {
	Name      string
	Transform *Transform
	Consume   func(ctx context.Context, op Operation, row stream.Row) error
}

// CascadeConfig describes a parent-to-child chain of delta merges.
type CascadeConfig struct {
	Logger *slog.Logger

	// Resolver receives a binding for every current row a level resolves.
	// Share it with the child levels' key mappings. Optional when no level
	// references another's surrogate keys.
	Resolver *Resolver

	// Levels in dependency order, parents before children.
	Levels []Level
}

func (c CascadeConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if len(c.Levels) == 0 {
		return fmt.Errorf("at least one level is required")
	}
	for i, lvl := range c.Levels {
		if lvl.Name == "" {
			return fmt.Errorf("level %d has no name", i)
		}
		if lvl.Transform == nil {
			return fmt.Errorf("level %q has no transform", lvl.Name)
		}
		if lvl.Consume == nil {
			return fmt.Errorf("level %q has no consumer", lvl.Name)
		}
	}
	return nil
}

// Cascade runs a chain of delta merges whose natural keys reference their
// parent's surrogate keys. Each level is resolved and consumed completely
// before the next level starts, so every parent surrogate key a child's key
// mapping asks the resolver for is already bound.
type Cascade struct {
	log      *slog.Logger
	resolver *Resolver
	levels   []Level
}

func NewCascade(cfg CascadeConfig) (*Cascade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cascade config: %w", err)
	}
	return &Cascade{
		log:      cfg.Logger,
		resolver: cfg.Resolver,
		levels:   cfg.Levels,
	}, nil
}

// Run executes the levels in order under one run ID. The first failing level
// aborts the run.
func (c *Cascade) Run(ctx context.Context, runID uuid.UUID) error {
	for i, lvl := range c.levels {
		if err := c.runLevel(ctx, runID, lvl); err != nil {
			return fmt.Errorf("failed to run cascade level %d %q: %w", i, lvl.Name, err)
		}
	}
	return nil
}

func (c *Cascade) runLevel(ctx context.Context, runID uuid.UUID, lvl Level) error {
	t := lvl.Transform
	// Unchanged rows emit nothing, but their surrogate keys must still be
	// resolvable by child levels on this pass.
	t.onIgnore = func(tgt stream.Row) { c.bindRow(t, OpUpdate, tgt) }
	if err := t.Open(ctx, runID, nil); err != nil {
		return err
	}
	defer t.Close()

	for {
		ok, err := t.Read(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		op, row := t.Operation(), t.Row()
		c.bindRow(t, op, row)
		if err := lvl.Consume(ctx, op, row); err != nil {
			return fmt.Errorf("failed to consume %s row: %w", op, err)
		}
	}

	s := t.Counts().Snapshot()
	c.log.Debug("cascade level complete",
		"level", lvl.Name,
		"run_id", runID,
		"rows", s.Total(),
	)
	return t.Close()
}

// bindRow registers the surrogate key of a resolved current row. Closed-out
// versions are not bound; a preserve update rebinds the key when its fresh
// version follows.
func (c *Cascade) bindRow(t *Transform, op Operation, row stream.Row) {
	if c.resolver == nil {
		return
	}
	if op != OpCreate && op != OpUpdate {
		return
	}
	if t.ordCF >= 0 && row[t.ordCF] == false {
		return
	}
	sk, ok := row[t.ordSK].(int64)
	if !ok {
		return
	}
	c.resolver.bind(t.table.Name(), keyValues(row, t.natKey), sk)
}
