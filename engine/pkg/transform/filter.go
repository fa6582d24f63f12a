package transform

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// Predicate is an opaque row filter evaluated in-process; it cannot be
// pushed down.
type Predicate func(row stream.Row) (bool, error)

// Filter drops rows that fail its declarative filters or predicates.
// Declarative filters are pushed down when the upstream reports it can
// filter natively; otherwise they are applied here, together with any
// filters the caller requested at Open that the upstream cannot honor.
type Filter struct {
	upstream   stream.RowStream
	filters    []stream.Filter
	predicates []Predicate

	state   stream.State
	local   []stream.Filter
	current stream.Row
}

// NewFilter wraps an upstream stream with declarative filters and opaque
// predicates.
func NewFilter(upstream stream.RowStream, filters []stream.Filter, predicates ...Predicate) *Filter {
	return &Filter{upstream: upstream, filters: filters, predicates: predicates}
}

func (f *Filter) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	if f.state != stream.StateUnopened {
		return &stream.StateError{Op: "open", State: f.state}
	}

	forwarded := cloneQuery(q)
	if f.upstream.Capabilities().CanFilterNatively {
		forwarded.Filters = append(forwarded.Filters, f.filters...)
		f.local = nil
	} else {
		// Upstream will ignore filters; everything is applied here.
		f.local = append(append([]stream.Filter(nil), forwarded.Filters...), f.filters...)
		forwarded.Filters = nil
	}

	if err := f.upstream.Open(ctx, runID, forwarded); err != nil {
		return fmt.Errorf("failed to open filter upstream: %w", err)
	}
	f.state = stream.StateOpen
	return nil
}

func (f *Filter) Read(ctx context.Context) (bool, error) {
	switch f.state {
	case stream.StateOpen:
	case stream.StateExhausted:
		return false, nil
	default:
		return false, &stream.StateError{Op: "read", State: f.state}
	}

	for {
		ok, err := f.upstream.Read(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			f.state = stream.StateExhausted
			f.current = nil
			return false, nil
		}
		row := f.upstream.Row()

		keep, err := stream.MatchesAll(f.local, f.upstream.Schema(), row)
		if err != nil {
			return false, err
		}
		if !keep {
			continue
		}
		for _, p := range f.predicates {
			ok, err := p(row)
			if err != nil {
				return false, fmt.Errorf("failed to evaluate filter predicate: %w", err)
			}
			if !ok {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		f.current = row
		return true, nil
	}
}

func (f *Filter) Row() stream.Row { return f.current }

func (f *Filter) Value(ordinal int) any { return f.current[ordinal] }

func (f *Filter) ValueByName(name string) (any, error) {
	ordinal, err := f.Schema().Ordinal(name)
	if err != nil {
		return nil, err
	}
	return f.current[ordinal], nil
}

func (f *Filter) Schema() *schema.Table { return f.upstream.Schema() }

func (f *Filter) Capabilities() stream.Capabilities {
	caps := f.upstream.Capabilities()
	caps.CanFilterNatively = true
	return caps
}

// Order passes through the upstream ordering guarantee: filtering never
// reorders rows.
func (f *Filter) Order() []stream.SortKey { return stream.OrderOf(f.upstream) }

func (f *Filter) Reset() error {
	switch f.state {
	case stream.StateOpen, stream.StateExhausted:
	default:
		return &stream.StateError{Op: "reset", State: f.state}
	}
	if err := f.upstream.Reset(); err != nil {
		return err
	}
	f.current = nil
	f.state = stream.StateOpen
	return nil
}

func (f *Filter) Close() error {
	if f.state == stream.StateClosed {
		return &stream.StateError{Op: "close", State: f.state}
	}
	f.state = stream.StateClosed
	f.current = nil
	return f.upstream.Close()
}
