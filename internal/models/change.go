package models

import "time"

// Operation describes the kind of mutation recorded in the change queue.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeQueueEntry is one row of the append-only replication log. Entries
// are appended in the same transaction as the mutation they describe and
// replayed to replicas strictly in Sequence order. AppliedAt stays nil
// until the remote side acknowledges receipt.
type ChangeQueueEntry struct {
	Sequence  int64      `json:"sequence"`
	Operation Operation  `json:"operation"`
	RecordID  string     `json:"record_id"`
	Snapshot  []byte     `json:"snapshot,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}
