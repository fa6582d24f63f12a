package delta

import "sync/atomic"

// Counts tallies merge outcomes. Counters are atomic so a status endpoint can
// snapshot them while a merge is running.
type Counts struct {
	created   atomic.Int64
	updated   atomic.Int64
	deleted   atomic.Int64
	preserved atomic.Int64
	ignored   atomic.Int64
	truncated atomic.Int64
	rejected  atomic.Int64
}

// Snapshot is a point-in-time copy of merge counters.
type Snapshot struct {
	Created   int64 `json:"created"`
	Updated   int64 `json:"updated"`
	Deleted   int64 `json:"deleted"`
	Preserved int64 `json:"preserved"`
	Ignored   int64 `json:"ignored"`
	Truncated int64 `json:"truncated"`
	Rejected  int64 `json:"rejected"`
}

func (c *Counts) Snapshot() Snapshot {
	return Snapshot{
		Created:   c.created.Load(),
		Updated:   c.updated.Load(),
		Deleted:   c.deleted.Load(),
		Preserved: c.preserved.Load(),
		Ignored:   c.ignored.Load(),
		Truncated: c.truncated.Load(),
		Rejected:  c.rejected.Load(),
	}
}

// Total returns the number of emitted change rows in the snapshot. Ignored
// rows produce no output and are excluded.
func (s Snapshot) Total() int64 {
	return s.Created + s.Updated + s.Deleted + s.Preserved + s.Truncated + s.Rejected
}
