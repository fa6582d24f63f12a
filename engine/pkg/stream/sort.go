package stream

import (
	"fmt"
	"sort"

	"github.com/flumelabs/flume/engine/pkg/schema"
)

// CompareKeys orders two rows of the same schema by the given sort keys.
// Nulls sort first ascending and last descending.
func CompareKeys(table *schema.Table, keys []SortKey, a, b Row) (int, error) {
	for _, k := range keys {
		ordinal, err := table.Ordinal(k.Column)
		if err != nil {
			return 0, err
		}
		c, err := schema.Compare(table.Column(ordinal).DataType, a[ordinal], b[ordinal])
		if err != nil {
			return 0, fmt.Errorf("failed to compare sort key %q: %w", k.Column, err)
		}
		if c == 0 {
			continue
		}
		if k.Descending {
			return -c, nil
		}
		return c, nil
	}
	return 0, nil
}

// SortRows stably sorts rows in place by the given keys. The first
// comparison failure aborts the sort and is returned; row order is then
// unspecified.
func SortRows(table *schema.Table, keys []SortKey, rows []Row) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		c, err := CompareKeys(table, keys, rows[i], rows[j])
		if err != nil {
			sortErr = err
			return false
		}
		return c < 0
	})
	return sortErr
}
