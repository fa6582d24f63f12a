package delta

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/flumelabs/flume/engine/pkg/keys"
	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/stream"
)

// Validator inspects a mapped source row before it enters the merge. A
// non-nil error diverts the row to a reject emission instead of aborting the
// run.
type Validator func(table *schema.Table, row stream.Row) error

// DuplicateTargetKeyError reports two adjacent current target rows sharing a
// natural key. The target is corrupt for merge purposes and the run aborts.
type DuplicateTargetKeyError struct {
	Table string
	Key   []any
}

func (e *DuplicateTargetKeyError) Error() string {
	return fmt.Sprintf("duplicate current rows for natural key %v in target table %q", e.Key, e.Table)
}

// Config describes one delta merge.
type Config struct {
	Logger *slog.Logger

	// Source supplies incoming rows. Columns are matched to the target
	// schema by name; source columns with no target counterpart are
	// dropped, target columns with no source counterpart arrive null and
	// are filled by the engine where a delta type claims them.
	Source stream.RowStream

	// Target supplies the rows already at the destination. Required for
	// comparing strategies, ignored for Append and Reload.
	Target stream.RowStream

	// Table is the target schema every emitted row conforms to.
	Table *schema.Table

	Strategy UpdateStrategy

	// Sequence hands out surrogate keys. Seed it with the maximum key
	// already at the target before opening.
	Sequence *keys.Sequence

	// Clock stamps audit and validity columns. Defaults to the wall clock.
	Clock clockwork.Clock

	// Validator, when set, screens mapped source rows. Failing rows are
	// emitted as rejects and take no part in the merge.
	Validator Validator
}

func (c Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Source == nil {
		return fmt.Errorf("source stream is required")
	}
	if c.Table == nil {
		return fmt.Errorf("target table schema is required")
	}
	if c.Sequence == nil {
		return fmt.Errorf("surrogate key sequence is required")
	}
	if c.Strategy.compares() && c.Target == nil {
		return fmt.Errorf("strategy %s requires a target stream", c.Strategy)
	}
	return c.Strategy.validateSchema(c.Table)
}

// Transform reconciles a source stream against a target stream and emits
// operation-tagged rows in target schema layout. It is itself a
// stream.RowStream, so writers and further stages consume it like any other
// stage.
//
// Both sides must arrive ordered by the natural key for comparing
// strategies; the transform pushes the sort upstream and fails at Open when
// the upstream cannot honor it.
type Transform struct {
	log      *slog.Logger
	source   stream.RowStream
	target   stream.RowStream
	table    *schema.Table
	strategy UpdateStrategy
	seq      *keys.Sequence
	clock    clockwork.Clock
	validate Validator

	state stream.State
	runID uuid.UUID

	// onIgnore observes matched-but-unchanged target rows. The cascade
	// hooks it to keep surrogate key bindings alive on steady-state passes.
	onIgnore func(tgt stream.Row)

	srcMap   []int // target ordinal -> source ordinal, -1 when absent
	natKey   []int
	natTypes []schema.DataType
	tracking []int
	ordSK    int
	ordAI    int
	ordVF    int
	ordVT    int
	ordCF    int
	ordUD    int
	ordCD    int

	filterCurrent bool // target rows need a local is-current check

	srcRow   stream.Row // mapped dedup survivor pending merge
	srcAhead stream.Row // read past the pending row, first row of the next key
	tgtRow   stream.Row
	srcEOS   bool
	tgtEOS   bool
	lastTgtKey []any

	truncatePending bool
	pending         []emission
	rowSeq          int64

	cur    stream.Row
	op     Operation
	counts Counts
}

type emission struct {
	op  Operation
	row stream.Row
}

func New(cfg Config) (*Transform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid delta config: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Transform{
		log:      cfg.Logger.With("table", cfg.Table.Name(), "strategy", cfg.Strategy.String()),
		source:   cfg.Source,
		target:   cfg.Target,
		table:    cfg.Table,
		strategy: cfg.Strategy,
		seq:      cfg.Sequence,
		clock:    clock,
		validate: cfg.Validator,
	}, nil
}

func (d *Transform) Open(ctx context.Context, runID uuid.UUID, q *stream.Query) error {
	if d.state != stream.StateUnopened {
		return &stream.StateError{Op: "open", State: d.state}
	}
	if q != nil && (len(q.Filters) > 0 || len(q.Sort) > 0 || len(q.Projection) > 0) {
		return fmt.Errorf("delta transform does not accept pushdown queries")
	}
	d.runID = runID

	d.natKey = d.table.NaturalKey()
	d.natTypes = make([]schema.DataType, len(d.natKey))
	for i, o := range d.natKey {
		d.natTypes[i] = d.table.Column(o).DataType
	}
	d.tracking = d.table.TrackingFields()
	d.ordSK = ordinalOrMinus1(d.table, schema.DeltaSurrogateKey)
	d.ordAI = ordinalOrMinus1(d.table, schema.DeltaAutoIncrement)
	d.ordVF = ordinalOrMinus1(d.table, schema.DeltaValidFromDate)
	d.ordVT = ordinalOrMinus1(d.table, schema.DeltaValidToDate)
	d.ordCF = ordinalOrMinus1(d.table, schema.DeltaIsCurrentFlag)
	d.ordUD = ordinalOrMinus1(d.table, schema.DeltaUpdateDate)
	d.ordCD = ordinalOrMinus1(d.table, schema.DeltaCreateDate)

	srcSchema := d.source.Schema()
	if srcSchema == nil {
		return fmt.Errorf("source stream has no schema before open")
	}
	d.srcMap = make([]int, d.table.Len())
	for i := range d.srcMap {
		o, err := srcSchema.Ordinal(d.table.Column(i).Name)
		if err != nil {
			o = -1
		}
		d.srcMap[i] = o
	}
	if d.strategy.compares() {
		for _, o := range d.natKey {
			if d.srcMap[o] == -1 {
				return fmt.Errorf("source stream is missing natural key column %q", d.table.Column(o).Name)
			}
		}
	}

	wantKeys := ascendingKeys(d.table, d.natKey)

	srcQuery := &stream.Query{}
	if d.strategy.compares() {
		srcKeys := make([]stream.SortKey, len(d.natKey))
		for i, o := range d.natKey {
			srcKeys[i] = stream.SortKey{Column: d.table.Column(o).Name}
		}
		srcQuery.Sort = srcKeys
	}
	if err := d.source.Open(ctx, runID, srcQuery); err != nil {
		return fmt.Errorf("failed to open source stream: %w", err)
	}
	if d.strategy.compares() && !stream.OrderSatisfies(stream.OrderOf(d.source), srcQuery.Sort) {
		d.source.Close()
		return fmt.Errorf("source stream is not ordered by the natural key; precede it with a sort stage")
	}

	if d.strategy.compares() {
		tgtQuery := &stream.Query{Sort: wantKeys}
		if d.strategy.preserves() {
			tgtQuery.Filters = []stream.Filter{{Column: d.table.Column(d.ordCF).Name, Op: stream.FilterEq, Value: true}}
		}
		if err := d.target.Open(ctx, runID, tgtQuery); err != nil {
			d.source.Close()
			return fmt.Errorf("failed to open target stream: %w", err)
		}
		if !stream.OrderSatisfies(stream.OrderOf(d.target), wantKeys) {
			d.source.Close()
			d.target.Close()
			return fmt.Errorf("target stream is not ordered by the natural key; precede it with a sort stage")
		}
		d.filterCurrent = d.strategy.preserves() && !d.target.Capabilities().CanFilterNatively
	}

	d.truncatePending = d.strategy == Reload
	d.state = stream.StateOpen
	d.log.Debug("delta merge opened", "run_id", runID)
	return nil
}

func (d *Transform) Read(ctx context.Context) (bool, error) {
	switch d.state {
	case stream.StateOpen:
	case stream.StateExhausted:
		return false, nil
	default:
		return false, &stream.StateError{Op: "read", State: d.state}
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("delta read cancelled: %w", err)
	}

	if len(d.pending) > 0 {
		e := d.pending[0]
		d.pending = d.pending[1:]
		d.cur, d.op = e.row, e.op
		return true, nil
	}

	if d.truncatePending {
		d.truncatePending = false
		d.counts.truncated.Add(1)
		d.cur = make(stream.Row, d.table.Len())
		d.op = OpTruncate
		return true, nil
	}

	ok, err := d.step(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		d.state = stream.StateExhausted
		s := d.counts.Snapshot()
		d.log.Info("delta merge complete",
			"run_id", d.runID,
			"created", s.Created,
			"updated", s.Updated,
			"deleted", s.Deleted,
			"preserved", s.Preserved,
			"ignored", s.Ignored,
			"rejected", s.Rejected,
		)
	}
	return ok, nil
}

// step advances the merge until one row is emitted or both sides are
// exhausted. Ignored matches loop without emitting.
func (d *Transform) step(ctx context.Context) (bool, error) {
	for {
		src, err := d.peekSource(ctx)
		if err != nil {
			return false, err
		}

		if !d.strategy.compares() {
			if src == nil {
				return false, nil
			}
			d.srcRow = nil
			if d.rejected(src) {
				return true, nil
			}
			d.emitCreate(src)
			return true, nil
		}

		tgt, err := d.peekTarget(ctx)
		if err != nil {
			return false, err
		}
		if src == nil && tgt == nil {
			return false, nil
		}

		c := 0
		switch {
		case src == nil:
			c = 1
		case tgt == nil:
			c = -1
		default:
			c, err = compareNaturalKeys(d.natTypes, src, tgt, d.natKey)
			if err != nil {
				return false, err
			}
		}

		switch {
		case c < 0: // source only
			d.srcRow = nil
			if d.rejected(src) {
				return true, nil
			}
			d.emitCreate(src)
			return true, nil

		case c > 0: // target only
			d.tgtRow = nil
			if !d.strategy.deletes() {
				continue
			}
			d.emitDelete(tgt)
			return true, nil

		default: // matched
			d.srcRow, d.tgtRow = nil, nil
			if d.rejected(src) {
				return true, nil
			}
			changed, err := d.trackingChanged(src, tgt)
			if err != nil {
				return false, err
			}
			if !changed {
				d.counts.ignored.Add(1)
				if d.onIgnore != nil {
					d.onIgnore(tgt)
				}
				continue
			}
			if d.strategy.preserves() {
				d.emitPreserveUpdate(src, tgt)
			} else {
				d.emitUpdate(src, tgt)
			}
			return true, nil
		}
	}
}

// peekSource returns the next source row mapped into target layout without
// consuming it, collapsing runs of equal natural keys so that the later row
// supersedes the earlier.
func (d *Transform) peekSource(ctx context.Context) (stream.Row, error) {
	if d.srcRow != nil {
		return d.srcRow, nil
	}
	cur := d.srcAhead
	d.srcAhead = nil
	if cur == nil {
		if d.srcEOS {
			return nil, nil
		}
		ok, err := d.source.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read source stream: %w", err)
		}
		if !ok {
			d.srcEOS = true
			return nil, nil
		}
		cur = d.mapSource(d.source.Row())
	}

	if d.strategy.compares() {
		for d.srcAhead == nil && !d.srcEOS {
			ok, err := d.source.Read(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read source stream: %w", err)
			}
			if !ok {
				d.srcEOS = true
				break
			}
			next := d.mapSource(d.source.Row())
			c, err := compareNaturalKeys(d.natTypes, cur, next, d.natKey)
			if err != nil {
				return nil, err
			}
			if c != 0 {
				d.srcAhead = next
				break
			}
			cur = next
		}
	}
	d.srcRow = cur
	return cur, nil
}

// peekTarget returns the next current target row without consuming it, and
// aborts on adjacent duplicate natural keys.
func (d *Transform) peekTarget(ctx context.Context) (stream.Row, error) {
	if d.tgtRow != nil {
		return d.tgtRow, nil
	}
	for !d.tgtEOS {
		ok, err := d.target.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read target stream: %w", err)
		}
		if !ok {
			d.tgtEOS = true
			return nil, nil
		}
		row := d.target.Row().Clone()
		if d.filterCurrent {
			current, err := (stream.Filter{
				Column: d.table.Column(d.ordCF).Name,
				Op:     stream.FilterEq,
				Value:  true,
			}).Matches(d.table, row)
			if err != nil {
				return nil, err
			}
			if !current {
				continue
			}
		}
		key := keyValues(row, d.natKey)
		if d.lastTgtKey != nil {
			c, err := compareTuples(d.natTypes, d.lastTgtKey, key)
			if err != nil {
				return nil, err
			}
			if c == 0 {
				return nil, &DuplicateTargetKeyError{Table: d.table.Name(), Key: key}
			}
		}
		d.lastTgtKey = key
		d.tgtRow = row
		return row, nil
	}
	return nil, nil
}

// rejected screens a source row through the validator, emitting a reject row
// when it fails. The caller must already have consumed the source row.
func (d *Transform) rejected(src stream.Row) bool {
	if d.validate == nil {
		return false
	}
	err := d.validate(d.table, src)
	if err == nil {
		return false
	}
	d.counts.rejected.Add(1)
	d.cur, d.op = src, OpReject
	d.log.Warn("source row rejected", "run_id", d.runID, "error", err)
	return true
}

// mapSource rearranges a source row into target layout; target columns the
// source does not supply are null.
func (d *Transform) mapSource(src stream.Row) stream.Row {
	out := make(stream.Row, d.table.Len())
	for i, o := range d.srcMap {
		if o >= 0 {
			out[i] = src[o]
		}
	}
	return out
}

// trackingChanged compares the tracking fields of a matched pair. A row
// hash over the tracking values is the fast path; equal hashes fall through
// to the element-wise comparison, which is the authority.
func (d *Transform) trackingChanged(src, tgt stream.Row) (bool, error) {
	if keys.Hash(keyValues(src, d.tracking)...) != keys.Hash(keyValues(tgt, d.tracking)...) {
		return true, nil
	}
	for _, o := range d.tracking {
		eq, err := schema.Equal(d.table.Column(o).DataType, src[o], tgt[o])
		if err != nil {
			return false, fmt.Errorf("failed to compare tracking column %q: %w", d.table.Column(o).Name, err)
		}
		if !eq {
			return true, nil
		}
	}
	return false, nil
}

func (d *Transform) emitCreate(src stream.Row) {
	now := d.clock.Now().UTC()
	row := src.Clone()
	row[d.ordSK] = d.seq.Next()
	if d.ordAI >= 0 {
		d.rowSeq++
		row[d.ordAI] = d.rowSeq
	}
	if d.ordVF >= 0 && d.strategy.preserves() {
		row[d.ordVF] = now
	}
	if d.ordVT >= 0 {
		row[d.ordVT] = nil
	}
	if d.ordCF >= 0 {
		row[d.ordCF] = true
	}
	if d.ordCD >= 0 {
		row[d.ordCD] = now
	}
	if d.ordUD >= 0 {
		row[d.ordUD] = now
	}
	d.counts.created.Add(1)
	d.cur, d.op = row, OpCreate
}

// emitUpdate carries the target row forward, overwriting the columns the
// source supplies. Surrogate key, create date and validity columns belong to
// the existing version and are kept.
func (d *Transform) emitUpdate(src, tgt stream.Row) {
	row := tgt.Clone()
	for i, o := range d.srcMap {
		if o < 0 {
			continue
		}
		switch i {
		case d.ordSK, d.ordAI, d.ordVF, d.ordVT, d.ordCF, d.ordCD, d.ordUD:
			continue
		}
		row[i] = src[i]
	}
	if d.ordUD >= 0 {
		row[d.ordUD] = d.clock.Now().UTC()
	}
	d.counts.updated.Add(1)
	d.cur, d.op = row, OpUpdate
}

// emitPreserveUpdate closes out the existing version and queues a fresh one
// under a new surrogate key. Both rows share the emission's clock reading,
// so the old version's valid-to equals the new version's valid-from.
func (d *Transform) emitPreserveUpdate(src, tgt stream.Row) {
	now := d.clock.Now().UTC()
	closed := d.closeOut(tgt, now)
	d.counts.preserved.Add(1)
	d.cur, d.op = closed, OpUpdate

	fresh := src.Clone()
	fresh[d.ordSK] = d.seq.Next()
	if d.ordAI >= 0 {
		d.rowSeq++
		fresh[d.ordAI] = d.rowSeq
	}
	fresh[d.ordVF] = now
	fresh[d.ordVT] = nil
	fresh[d.ordCF] = true
	if d.ordCD >= 0 {
		fresh[d.ordCD] = now
	}
	if d.ordUD >= 0 {
		fresh[d.ordUD] = now
	}
	d.counts.created.Add(1)
	d.pending = append(d.pending, emission{op: OpCreate, row: fresh})
}

// emitDelete removes an unmatched target row. Preserving strategies close
// the version out in place, which is physically an update.
func (d *Transform) emitDelete(tgt stream.Row) {
	d.counts.deleted.Add(1)
	if d.strategy.preserves() {
		d.cur, d.op = d.closeOut(tgt, d.clock.Now().UTC()), OpUpdate
		return
	}
	d.cur, d.op = tgt.Clone(), OpDelete
}

func (d *Transform) closeOut(tgt stream.Row, now any) stream.Row {
	row := tgt.Clone()
	row[d.ordCF] = false
	row[d.ordVT] = now
	if d.ordUD >= 0 {
		row[d.ordUD] = now
	}
	return row
}

func (d *Transform) Row() stream.Row { return d.cur }

func (d *Transform) Value(ordinal int) any { return d.cur[ordinal] }

func (d *Transform) ValueByName(name string) (any, error) {
	o, err := d.table.Ordinal(name)
	if err != nil {
		return nil, err
	}
	return d.cur[o], nil
}

func (d *Transform) Schema() *schema.Table { return d.table }

func (d *Transform) Capabilities() stream.Capabilities { return stream.Capabilities{} }

// Operation reports the action tagged onto the current row. Valid only
// after a true Read.
func (d *Transform) Operation() Operation { return d.op }

// Counts returns the live merge counters. Safe to snapshot concurrently.
func (d *Transform) Counts() *Counts { return &d.counts }

// Order declares the emission order. Comparing strategies emit in natural
// key order; Append and Reload follow the source order, which the transform
// does not know.
func (d *Transform) Order() []stream.SortKey {
	if !d.strategy.compares() {
		return nil
	}
	return ascendingKeys(d.table, d.natKey)
}

func (d *Transform) Reset() error {
	return fmt.Errorf("delta transform does not support reset")
}

func (d *Transform) Close() error {
	if d.state == stream.StateClosed {
		return nil
	}
	d.state = stream.StateClosed
	srcErr := d.source.Close()
	var tgtErr error
	if d.target != nil {
		tgtErr = d.target.Close()
	}
	if srcErr != nil {
		return fmt.Errorf("failed to close source stream: %w", srcErr)
	}
	if tgtErr != nil {
		return fmt.Errorf("failed to close target stream: %w", tgtErr)
	}
	return nil
}

func ordinalOrMinus1(table *schema.Table, dt schema.DeltaType) int {
	if o, ok := table.OrdinalOf(dt); ok {
		return o
	}
	return -1
}

func ascendingKeys(table *schema.Table, ordinals []int) []stream.SortKey {
	out := make([]stream.SortKey, len(ordinals))
	for i, o := range ordinals {
		out[i] = stream.SortKey{Column: table.Column(o).Name}
	}
	return out
}

func keyValues(row stream.Row, ordinals []int) []any {
	out := make([]any, len(ordinals))
	for i, o := range ordinals {
		out[i] = row[o]
	}
	return out
}

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

func compareNaturalKeys(types []schema.DataType, a, b stream.Row, ordinals []int) (int, error) {
	return compareTuples(types, keyValues(a, ordinals), keyValues(b, ordinals))
}
