package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/inletworks/inlet/internal/models"
)

// MemoryRepository implements Repository for development and tests. One
// mutex plays the role of the transaction boundary: a mutation and its
// change-queue append are atomic with respect to every other caller.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.NotificationRecord
	changes []*models.ChangeQueueEntry
	nextSeq int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*models.NotificationRecord),
		nextSeq: 1,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, rec *models.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(rec)
}

func (r *MemoryRepository) createLocked(rec *models.NotificationRecord) error {
	if _, exists := r.records[rec.ID]; exists {
		return ErrRecordExists
	}

	now := time.Now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	stored := cloneRecord(rec)
	r.records[rec.ID] = stored
	r.appendChangeLocked(models.OpInsert, stored)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.NotificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[id]
	if !exists || rec.Deleted() {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (r *MemoryRepository) Update(ctx context.Context, rec *models.NotificationRecord, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(rec, expectedVersion)
}

func (r *MemoryRepository) updateLocked(rec *models.NotificationRecord, expectedVersion int64) error {
	stored, exists := r.records[rec.ID]
	if !exists || stored.Deleted() {
		return ErrRecordNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}

	updated := cloneRecord(rec)
	updated.Version = stored.Version + 1
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	updated.DeletedAt = stored.DeletedAt

	r.records[rec.ID] = updated
	r.appendChangeLocked(models.OpUpdate, updated)

	rec.Version = updated.Version
	rec.UpdatedAt = updated.UpdatedAt
	return nil
}

func (r *MemoryRepository) SoftDelete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.softDeleteLocked(id)
}

func (r *MemoryRepository) softDeleteLocked(id string) error {
	stored, exists := r.records[id]
	if !exists || stored.Deleted() {
		return ErrRecordNotFound
	}

	now := time.Now().UTC()
	stored.DeletedAt = &now
	stored.UpdatedAt = now
	stored.Version++

	r.appendChangeLocked(models.OpDelete, stored)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, filter models.ListFilter) ([]*models.NotificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.NotificationRecord
	for _, rec := range r.records {
		if rec.Deleted() && !filter.IncludeDeleted {
			continue
		}
		if filter.ProjectID != "" && rec.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) BulkCreate(ctx context.Context, recs []*models.NotificationRecord, failFast bool) (*BulkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	restore := r.snapshotLocked(failFast)
	result := &BulkResult{}
	for i, rec := range recs {
		if err := r.createLocked(rec); err != nil {
			if failFast {
				restore()
				return nil, err
			}
			result.Failed = append(result.Failed, ItemError{Index: i, ID: rec.ID, Reason: err.Error()})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func (r *MemoryRepository) BulkUpdate(ctx context.Context, updates []VersionedUpdate, failFast bool) (*BulkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	restore := r.snapshotLocked(failFast)
	result := &BulkResult{}
	for i, u := range updates {
		if err := r.updateLocked(u.Record, u.ExpectedVersion); err != nil {
			if failFast {
				restore()
				return nil, err
			}
			result.Failed = append(result.Failed, ItemError{Index: i, ID: u.Record.ID, Reason: err.Error()})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func (r *MemoryRepository) BulkDelete(ctx context.Context, ids []string, failFast bool) (*BulkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	restore := r.snapshotLocked(failFast)
	result := &BulkResult{}
	for i, id := range ids {
		if err := r.softDeleteLocked(id); err != nil {
			if failFast {
				restore()
				return nil, err
			}
			result.Failed = append(result.Failed, ItemError{Index: i, ID: id, Reason: err.Error()})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// snapshotLocked returns a restore function that rolls the repository
// back to its current state, giving fail-fast batches the all-or-nothing
// behavior a database transaction would provide. A no-op unless needed.
func (r *MemoryRepository) snapshotLocked(needed bool) func() {
	if !needed {
		return func() {}
	}

	records := make(map[string]*models.NotificationRecord, len(r.records))
	for id, rec := range r.records {
		records[id] = cloneRecord(rec)
	}
	changes := make([]*models.ChangeQueueEntry, len(r.changes))
	copy(changes, r.changes)
	seq := r.nextSeq

	return func() {
		r.records = records
		r.changes = changes
		r.nextSeq = seq
	}
}

func (r *MemoryRepository) PendingChanges(ctx context.Context, limit int) ([]*models.ChangeQueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ChangeQueueEntry
	for _, entry := range r.changes {
		if entry.AppliedAt != nil {
			continue
		}
		e := *entry
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkChangeApplied(ctx context.Context, sequence int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.changes {
		if entry.Sequence == sequence {
			applied := at
			entry.AppliedAt = &applied
			return nil
		}
	}
	return ErrRecordNotFound
}

func (r *MemoryRepository) PruneAppliedChanges(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.changes[:0]
	pruned := 0
	for _, entry := range r.changes {
		if entry.AppliedAt != nil && entry.AppliedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	r.changes = kept
	return pruned, nil
}

func (r *MemoryRepository) PurgeSoftDeleted(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[string]bool)
	for _, entry := range r.changes {
		if entry.AppliedAt == nil {
			pending[entry.RecordID] = true
		}
	}

	purged := 0
	for id, rec := range r.records {
		if !rec.Deleted() || !rec.DeletedAt.Before(before) {
			continue
		}
		if pending[id] {
			continue // still referenced by the sync log
		}
		delete(r.records, id)
		purged++
	}
	return purged, nil
}

func (r *MemoryRepository) Close() {}

// ChangeCount reports the total number of change entries, applied or not.
// Test helper.
func (r *MemoryRepository) ChangeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.changes)
}

func (r *MemoryRepository) appendChangeLocked(op models.Operation, rec *models.NotificationRecord) {
	snapshot, _ := json.Marshal(rec)
	r.changes = append(r.changes, &models.ChangeQueueEntry{
		Sequence:  r.nextSeq,
		Operation: op,
		RecordID:  rec.ID,
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	})
	r.nextSeq++
}

func cloneRecord(rec *models.NotificationRecord) *models.NotificationRecord {
	c := *rec
	if rec.Variables != nil {
		c.Variables = make(map[string]string, len(rec.Variables))
		for k, v := range rec.Variables {
			c.Variables[k] = v
		}
	}
	if rec.DeletedAt != nil {
		d := *rec.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}
