// Package delta implements the merge engine at the center of the pipeline:
// it reconciles a key-ordered source stream against a key-ordered target
// stream and emits a stream of operation-tagged rows, assigning surrogate
// keys and stamping audit columns according to an update strategy.
package delta

import "fmt"

// Operation is the physical action a writer takes for one emitted row.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
	OpTruncate
	OpReject
)

var operationNames = map[Operation]string{
	OpCreate:   "create",
	OpUpdate:   "update",
	OpDelete:   "delete",
	OpTruncate: "truncate",
	OpReject:   "reject",
}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return fmt.Sprintf("operation(%d)", int(o))
}
