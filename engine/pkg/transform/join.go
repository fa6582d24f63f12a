package transform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flumelabs/flume/engine/pkg/keys"
	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// DuplicateStrategy decides what happens when a join key matches more than
// one row on the join side.
type DuplicateStrategy int

const (
	// DuplicateAll duplicates the source row once per match (outer-join
	// fan-out), preserving source order and, within one source row,
	// join-side order.
	DuplicateAll DuplicateStrategy = iota
	// DuplicateFirst picks the match with the smallest tie-break value.
	DuplicateFirst
	// DuplicateLast picks the match with the largest tie-break value.
	DuplicateLast
	// DuplicateAbend treats a duplicate join key as a data error.
	DuplicateAbend
)

// NotFoundStrategy decides what happens when a source row has no match.
type NotFoundStrategy int

const (
	// NullJoin pairs the source row with nulls for all join-side columns.
	NullJoin NotFoundStrategy = iota
	// NotFoundAbend treats a missing match as a data error.
	NotFoundAbend
)

// JoinPair associates a source column with a join column, or a literal value
// with a join column when SourceColumn is empty.
type JoinPair struct {
	SourceColumn string
	JoinColumn   string
	Literal      any
}

// JoinPredicate is an additional scalar predicate evaluated per candidate
// (source row, join row) pair.
type JoinPredicate func(source, join stream.Row) (bool, error)

// DuplicateKeyError reports a join key that matched multiple join-side rows
// under the abend duplicate policy, or a natural key duplicated within one
// side of a comparison.
type DuplicateKeyError struct {
	Table string
	Key   []any
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate join key %v in %q", e.Key, e.Table)
}

// NotFoundError reports a source row without a join match under the abend
// not-found policy.
type NotFoundError struct {
	Table string
	Key   []any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("join key %v not found in %q", e.Key, e.Table)
}

// JoinConfig configures a join/lookup stage.
type JoinConfig struct {
	Logger *slog.Logger
	Source stream.RowStream
	Join   stream.RowStream
	Pairs  []JoinPair

	Duplicates DuplicateStrategy
	NotFound   NotFoundStrategy
	// TieBreakColumn orders duplicate matches for First/Last. When absent
	// or all-equal, original encounter order decides.
	TieBreakColumn string

	Predicates []JoinPredicate
}

func (c *JoinConfig) Validate() error {
	if c.Source == nil || c.Join == nil {
		return fmt.Errorf("join requires a source and a join stream")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("join requires at least one join pair")
	}
	keyed := false
	for _, p := range c.Pairs {
		if p.JoinColumn == "" {
			return fmt.Errorf("join pair has no join column")
		}
		if p.SourceColumn != "" {
			keyed = true
		}
	}
	if !keyed {
		return fmt.Errorf("join requires at least one column-to-column pair")
	}
	return nil
}

type joinAlgorithm int

const (
	joinHash joinAlgorithm = iota
	joinMerge
)

type hashEntry struct {
	enc []byte
	row stream.Row
}

// Join combines a source stream with a join stream on equality pairs. The
// algorithm is fixed at Open: a single-pass sorted merge when both sides
// already report ascending order on the join key, otherwise a hash probe
// that materializes the join side.
type Join struct {
	log *slog.Logger
	cfg JoinConfig

	state stream.State
	table *schema.Table
	algo  joinAlgorithm

	srcOrdinals  []int
	joinOrdinals []int
	keyTypes     []schema.DataType
	literals     []stream.Filter
	tieOrdinal   int
	tieType      schema.DataType
	joinWidth    int

	buckets map[uint64][]hashEntry
	groups  *joinGroupReader

	pending []stream.Row
	current stream.Row
}

// NewJoin creates a join stage. Both streams stay unopened until the join
// itself is opened.
func NewJoin(cfg JoinConfig) (*Join, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate join config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Join{log: cfg.Logger, cfg: cfg}, nil
}

// CanPushDownJoin reports whether a join of the two streams could be
// delegated to a shared connector: both must claim native join support and
// identify the same connector. The engine never performs the delegation
// itself; callers that see true here can bypass this stage entirely.
func CanPushDownJoin(source, join stream.RowStream) bool {
	if !source.Capabilities().CanJoinNatively || !join.Capabilities().CanJoinNatively {
		return false
	}
	a, aok := source.(stream.Connectored)
	b, bok := join.(stream.Connectored)
	return aok && bok && a.ConnectorID() == b.ConnectorID()
}

func (j *Join) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	if j.state != stream.StateUnopened {
		return &stream.StateError{Op: "open", State: j.state}
	}

	var srcCols, joinCols []string
	for _, p := range j.cfg.Pairs {
		if p.SourceColumn != "" {
			srcCols = append(srcCols, p.SourceColumn)
			joinCols = append(joinCols, p.JoinColumn)
		}
	}

	// Ask both sides for the key order; sorted inputs let the merge
	// algorithm run without materialization.
	srcQuery := cloneQuery(q)
	srcQuery.Sort = ascKeys(srcCols)
	if err := j.cfg.Source.Open(ctx, runID, srcQuery); err != nil {
		return fmt.Errorf("failed to open join source: %w", err)
	}
	joinQuery := &stream.Query{Sort: ascKeys(joinCols)}
	if err := j.cfg.Join.Open(ctx, runID, joinQuery); err != nil {
		return fmt.Errorf("failed to open join side: %w", err)
	}

	srcTable := j.cfg.Source.Schema()
	joinTable := j.cfg.Join.Schema()

	var err error
	if j.srcOrdinals, err = ordinalsOf(srcTable, srcCols); err != nil {
		return fmt.Errorf("failed to resolve source join columns: %w", err)
	}
	if j.joinOrdinals, err = ordinalsOf(joinTable, joinCols); err != nil {
		return fmt.Errorf("failed to resolve join-side columns: %w", err)
	}
	j.keyTypes = make([]schema.DataType, len(j.srcOrdinals))
	for i, o := range j.srcOrdinals {
		j.keyTypes[i] = srcTable.Column(o).DataType
	}

	j.literals = nil
	for _, p := range j.cfg.Pairs {
		if p.SourceColumn == "" {
			j.literals = append(j.literals, stream.Filter{Column: p.JoinColumn, Op: stream.FilterEq, Value: p.Literal})
		}
	}

	j.tieOrdinal = -1
	if j.cfg.TieBreakColumn != "" {
		o, err := joinTable.Ordinal(j.cfg.TieBreakColumn)
		if err != nil {
			return fmt.Errorf("failed to resolve tie-break column: %w", err)
		}
		j.tieOrdinal = o
		j.tieType = joinTable.Column(o).DataType
	}

	if j.table, err = combineSchemas(srcTable, joinTable); err != nil {
		return err
	}
	j.joinWidth = joinTable.Len()

	if stream.OrderSatisfies(stream.OrderOf(j.cfg.Source), ascKeys(srcCols)) &&
		stream.OrderSatisfies(stream.OrderOf(j.cfg.Join), ascKeys(joinCols)) {
		j.algo = joinMerge
		j.groups = &joinGroupReader{
			src:      j.cfg.Join,
			table:    joinTable,
			ordinals: j.joinOrdinals,
			types:    j.keyTypes,
			literals: j.literals,
		}
	} else {
		j.algo = joinHash
		if err := j.buildHashTable(ctx); err != nil {
			return err
		}
	}
	j.log.Debug("join: opened", "source", srcTable.Name(), "join", joinTable.Name(), "algorithm", map[joinAlgorithm]string{joinHash: "hash", joinMerge: "merge"}[j.algo])

	j.state = stream.StateOpen
	return nil
}

// combineSchemas appends join-side columns after source columns, prefixing
// join-side names with their table name on a clash.
func combineSchemas(src, join *schema.Table) (*schema.Table, error) {
	cols := append([]schema.Column(nil), src.Columns()...)
	for _, c := range join.Columns() {
		if _, err := src.Ordinal(c.Name); err == nil {
			c.Name = join.Name() + "_" + c.Name
		}
		// Join-side values are null for unmatched source rows.
		c.Nullable = true
		cols = append(cols, c)
	}
	combined, err := schema.New(src.Name()+"_"+join.Name(), cols...)
	if err != nil {
		return nil, fmt.Errorf("failed to build combined join schema: %w", err)
	}
	return combined, nil
}

// buildHashTable materializes the join side into xxh3-hashed buckets with a
// byte-exact collision check on the encoded key.
func (j *Join) buildHashTable(ctx context.Context) error {
	j.buckets = make(map[uint64][]hashEntry)
	joinTable := j.cfg.Join.Schema()
	for {
		ok, err := j.cfg.Join.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to build join hash table: %w", err)
		}
		if !ok {
			return nil
		}
		row := j.cfg.Join.Row()
		match, err := stream.MatchesAll(j.literals, joinTable, row)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		key := keyValues(row, j.joinOrdinals)
		enc := keys.Encode(key...)
		h := keys.Hash(key...)
		j.buckets[h] = append(j.buckets[h], hashEntry{enc: enc, row: row.Clone()})
	}
}

func (j *Join) Read(ctx context.Context) (bool, error) {
	switch j.state {
	case stream.StateOpen:
	case stream.StateExhausted:
		return false, nil
	default:
		return false, &stream.StateError{Op: "read", State: j.state}
	}

	if len(j.pending) > 0 {
		j.current = j.pending[0]
		j.pending = j.pending[1:]
		return true, nil
	}

	for {
		ok, err := j.cfg.Source.Read(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			j.state = stream.StateExhausted
			j.current = nil
			return false, nil
		}
		src := j.cfg.Source.Row()
		key := keyValues(src, j.srcOrdinals)

		var matches []stream.Row
		if j.algo == joinHash {
			matches, err = j.probe(src, key)
		} else {
			matches, err = j.mergeMatches(ctx, src, key)
		}
		if err != nil {
			return false, err
		}

		out, err := j.resolve(src, key, matches)
		if err != nil {
			return false, err
		}
		if len(out) == 0 {
			continue
		}
		j.current = out[0]
		j.pending = out[1:]
		return true, nil
	}
}

func (j *Join) probe(src stream.Row, key []any) ([]stream.Row, error) {
	enc := keys.Encode(key...)
	var matches []stream.Row
	for _, e := range j.buckets[keys.Hash(key...)] {
		if !bytes.Equal(e.enc, enc) {
			continue
		}
		ok, err := j.candidateMatches(src, e.row)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, e.row)
		}
	}
	return matches, nil
}

func (j *Join) mergeMatches(ctx context.Context, src stream.Row, key []any) ([]stream.Row, error) {
	for {
		group, err := j.groups.current(ctx)
		if err != nil {
			return nil, err
		}
		if group == nil {
			return nil, nil
		}
		c, err := compareTuples(j.keyTypes, group.key, key)
		if err != nil {
			return nil, fmt.Errorf("failed to compare join keys: %w", err)
		}
		if c < 0 {
			j.groups.discard()
			continue
		}
		if c > 0 {
			return nil, nil
		}
		var matches []stream.Row
		for _, row := range group.rows {
			ok, err := j.candidateMatches(src, row)
			if err != nil {
				return nil, err
			}
			if ok {
				matches = append(matches, row)
			}
		}
		return matches, nil
	}
}

func (j *Join) candidateMatches(src, join stream.Row) (bool, error) {
	for _, p := range j.cfg.Predicates {
		ok, err := p(src, join)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate join predicate: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// resolve applies the duplicate and not-found policies to the candidate
// matches of one source row and produces the combined output rows.
func (j *Join) resolve(src stream.Row, key []any, matches []stream.Row) ([]stream.Row, error) {
	if len(matches) == 0 {
		if j.cfg.NotFound == NotFoundAbend {
			return nil, &NotFoundError{Table: j.cfg.Join.Schema().Name(), Key: key}
		}
		return []stream.Row{j.combine(src, nil)}, nil
	}

	switch j.cfg.Duplicates {
	case DuplicateAll:
		out := make([]stream.Row, len(matches))
		for i, m := range matches {
			out[i] = j.combine(src, m)
		}
		return out, nil
	case DuplicateAbend:
		if len(matches) > 1 {
			return nil, &DuplicateKeyError{Table: j.cfg.Join.Schema().Name(), Key: key}
		}
		return []stream.Row{j.combine(src, matches[0])}, nil
	case DuplicateFirst, DuplicateLast:
		pick, err := j.pick(matches)
		if err != nil {
			return nil, err
		}
		return []stream.Row{j.combine(src, pick)}, nil
	default:
		return nil, fmt.Errorf("unknown duplicate strategy %d", j.cfg.Duplicates)
	}
}

// pick selects among duplicate matches by the tie-break column. When the
// column is unset, absent from a row, or all-equal, encounter order decides:
// first match for First, last match for Last.
func (j *Join) pick(matches []stream.Row) (stream.Row, error) {
	best := matches[0]
	if j.tieOrdinal < 0 {
		if j.cfg.Duplicates == DuplicateLast {
			return matches[len(matches)-1], nil
		}
		return best, nil
	}
	for _, m := range matches[1:] {
		c, err := schema.Compare(j.tieType, m[j.tieOrdinal], best[j.tieOrdinal])
		if err != nil {
			return nil, fmt.Errorf("failed to compare tie-break column %q: %w", j.cfg.TieBreakColumn, err)
		}
		switch j.cfg.Duplicates {
		case DuplicateFirst:
			if c < 0 {
				best = m
			}
		case DuplicateLast:
			// >= keeps the later encounter on equal tie-break values.
			if c >= 0 {
				best = m
			}
		}
	}
	return best, nil
}

func (j *Join) combine(src, join stream.Row) stream.Row {
	out := make(stream.Row, 0, len(src)+j.joinWidth)
	out = append(out, src...)
	if join == nil {
		out = append(out, make(stream.Row, j.joinWidth)...)
	} else {
		out = append(out, join...)
	}
	return out
}

func (j *Join) Row() stream.Row { return j.current }

func (j *Join) Value(ordinal int) any { return j.current[ordinal] }

func (j *Join) ValueByName(name string) (any, error) {
	ordinal, err := j.table.Ordinal(name)
	if err != nil {
		return nil, err
	}
	return j.current[ordinal], nil
}

func (j *Join) Schema() *schema.Table { return j.table }

func (j *Join) Capabilities() stream.Capabilities {
	caps := j.cfg.Source.Capabilities()
	caps.CanSortNatively = false
	caps.SupportsReset = false
	return caps
}

// Order passes the source ordering through: the All policy preserves source
// row order, and within one source row, join-side order.
func (j *Join) Order() []stream.SortKey { return stream.OrderOf(j.cfg.Source) }

func (j *Join) Reset() error {
	return &stream.StateError{Op: "reset", State: j.state}
}

func (j *Join) Close() error {
	if j.state == stream.StateClosed {
		return &stream.StateError{Op: "close", State: j.state}
	}
	j.state = stream.StateClosed
	j.current = nil
	j.pending = nil
	j.buckets = nil
	errSrc := j.cfg.Source.Close()
	errJoin := j.cfg.Join.Close()
	if errSrc != nil {
		return errSrc
	}
	return errJoin
}

// joinGroup is one join-side key group buffered by the merge algorithm.
type joinGroup struct {
	key  []any
	rows []stream.Row
}

// joinGroupReader reads the join side one key group at a time, holding one
// row of lookahead. Memory use is bounded by the largest duplicate group.
type joinGroupReader struct {
	src      stream.RowStream
	table    *schema.Table
	ordinals []int
	types    []schema.DataType
	literals []stream.Filter

	started bool
	ahead   stream.Row
	group   *joinGroup
	done    bool
}

// current returns the buffered group, loading the next one if none is
// buffered. Returns nil when the join side is exhausted.
func (g *joinGroupReader) current(ctx context.Context) (*joinGroup, error) {
	if g.group != nil {
		return g.group, nil
	}
	if g.done {
		return nil, nil
	}

	if !g.started {
		g.started = true
		row, err := g.next(ctx)
		if err != nil {
			return nil, err
		}
		g.ahead = row
	}
	if g.ahead == nil {
		g.done = true
		return nil, nil
	}

	group := &joinGroup{
		key:  keyValues(g.ahead, g.ordinals),
		rows: []stream.Row{g.ahead},
	}
	g.ahead = nil
	for {
		row, err := g.next(ctx)
		if err != nil {
			return nil, err
		}
		if row == nil {
			g.done = true
			break
		}
		c, err := compareTuples(g.types, keyValues(row, g.ordinals), group.key)
		if err != nil {
			return nil, fmt.Errorf("failed to compare join group keys: %w", err)
		}
		if c == 0 {
			group.rows = append(group.rows, row)
			continue
		}
		g.ahead = row
		break
	}
	g.group = group
	return group, nil
}

// discard drops the buffered group so the next current call loads a new one.
func (g *joinGroupReader) discard() { g.group = nil }

// next reads the next join-side row passing the literal predicates.
func (g *joinGroupReader) next(ctx context.Context) (stream.Row, error) {
	for {
		ok, err := g.src.Read(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		row := g.src.Row()
		match, err := stream.MatchesAll(g.literals, g.table, row)
		if err != nil {
			return nil, err
		}
		if match {
			return row.Clone(), nil
		}
	}
}
