package delta

import (
	"fmt"

	"github.com/flumelabs/flume/engine/pkg/schema"
)

// UpdateStrategy selects how source rows are reconciled against the target.
type UpdateStrategy int

const (
	// Reload truncates the target, then recreates every source row with a
	// fresh surrogate key.
	Reload UpdateStrategy = iota
	// Append creates every source row, ignoring the target entirely.
	Append
	// AppendUpdate merges on natural key: unmatched source rows become
	// creates, changed matches become updates, unchanged matches are
	// ignored, and unmatched target rows are left untouched.
	AppendUpdate
	// AppendUpdateDelete is AppendUpdate plus hard deletes of target rows
	// with no source match.
	AppendUpdateDelete
	// AppendUpdatePreserve is AppendUpdate with history preservation: an
	// update closes out the old version (current flag cleared, valid-to
	// stamped) and creates a new version under a new surrogate key.
	AppendUpdatePreserve
	// AppendUpdateDeletePreserve is AppendUpdatePreserve plus soft deletes:
	// unmatched target rows are closed out rather than removed.
	AppendUpdateDeletePreserve
)

var strategyNames = map[UpdateStrategy]string{
	Reload:                     "reload",
	Append:                     "append",
	AppendUpdate:               "append_update",
	AppendUpdateDelete:         "append_update_delete",
	AppendUpdatePreserve:       "append_update_preserve",
	AppendUpdateDeletePreserve: "append_update_delete_preserve",
}

func (s UpdateStrategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy resolves a strategy name, as used by flags and configs.
func ParseStrategy(name string) (UpdateStrategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown update strategy %q", name)
}

// compares reports whether the strategy matches source rows against target
// rows on the natural key.
func (s UpdateStrategy) compares() bool {
	switch s {
	case AppendUpdate, AppendUpdateDelete, AppendUpdatePreserve, AppendUpdateDeletePreserve:
		return true
	default:
		return false
	}
}

// preserves reports whether the strategy keeps prior versions as history.
func (s UpdateStrategy) preserves() bool {
	return s == AppendUpdatePreserve || s == AppendUpdateDeletePreserve
}

// deletes reports whether the strategy acts on unmatched target rows.
func (s UpdateStrategy) deletes() bool {
	return s == AppendUpdateDelete || s == AppendUpdateDeletePreserve
}

// validateSchema checks that exactly the delta-type columns the strategy
// needs are present on the target schema. Called at Open so a
// misconfigured merge fails before any row is read.
func (s UpdateStrategy) validateSchema(table *schema.Table) error {
	if _, ok := table.OrdinalOf(schema.DeltaSurrogateKey); !ok {
		return fmt.Errorf("strategy %s requires a %s column in table %q", s, schema.DeltaSurrogateKey, table.Name())
	}
	if s.compares() && len(table.NaturalKey()) == 0 {
		return fmt.Errorf("strategy %s requires at least one %s column in table %q", s, schema.DeltaNaturalKey, table.Name())
	}
	if s.preserves() {
		for _, dt := range []schema.DeltaType{schema.DeltaValidFromDate, schema.DeltaValidToDate, schema.DeltaIsCurrentFlag} {
			if _, ok := table.OrdinalOf(dt); !ok {
				return fmt.Errorf("strategy %s requires a %s column in table %q", s, dt, table.Name())
			}
		}
	}
	return nil
}
