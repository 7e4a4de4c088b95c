// Package storage persists notification records and the change queue that
// drives replication. Every mutation appends exactly one change-queue
// entry in the same transaction as the mutation itself; that invariant is
// what keeps the sync log from diverging from actual state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/inletworks/inlet/internal/models"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrRecordExists    = errors.New("record already exists")
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
)

// VersionedUpdate pairs a record with the version the caller read. An
// update whose expected version no longer matches is rejected, never
// silently overwritten.
type VersionedUpdate struct {
	Record          *models.NotificationRecord
	ExpectedVersion int64
}

// ItemError reports one failed item of a bulk operation.
type ItemError struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// BulkResult summarizes a bulk operation: partial failure is reported per
// item instead of aborting the whole batch, unless the caller requested
// fail-fast semantics.
type BulkResult struct {
	Succeeded int         `json:"succeeded"`
	Failed    []ItemError `json:"failed,omitempty"`
}

// Repository is the storage contract shared by the postgres and in-memory
// implementations.
type Repository interface {
	// Create persists a new record at version 1.
	Create(ctx context.Context, rec *models.NotificationRecord) error
	// Get returns a record by id; soft-deleted records are not found.
	Get(ctx context.Context, id string) (*models.NotificationRecord, error)
	// Update applies rec if the stored version equals expectedVersion,
	// bumping the version by one. Returns ErrVersionConflict otherwise.
	Update(ctx context.Context, rec *models.NotificationRecord, expectedVersion int64) error
	// SoftDelete marks the record deleted; it stays stored for audit
	// until the retention sweep hard-removes it.
	SoftDelete(ctx context.Context, id string) error
	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter models.ListFilter) ([]*models.NotificationRecord, error)

	// Bulk operations run inside a single transaction per batch.
	BulkCreate(ctx context.Context, recs []*models.NotificationRecord, failFast bool) (*BulkResult, error)
	BulkUpdate(ctx context.Context, updates []VersionedUpdate, failFast bool) (*BulkResult, error)
	BulkDelete(ctx context.Context, ids []string, failFast bool) (*BulkResult, error)

	// Change queue access for the sync engine. PendingChanges returns
	// unacknowledged entries strictly in sequence order.
	PendingChanges(ctx context.Context, limit int) ([]*models.ChangeQueueEntry, error)
	MarkChangeApplied(ctx context.Context, sequence int64, at time.Time) error
	// PruneAppliedChanges removes acknowledged entries applied before the
	// cutoff, returning how many were removed.
	PruneAppliedChanges(ctx context.Context, before time.Time) (int, error)
	// PurgeSoftDeleted hard-removes records soft-deleted before the
	// cutoff. Records still referenced by a pending change entry are
	// kept so the sync log never points at a missing record.
	PurgeSoftDeleted(ctx context.Context, before time.Time) (int, error)

	Close()
}
