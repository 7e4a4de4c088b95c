package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inletworks/inlet/internal/models"
)

const queryTimeout = 5 * time.Second

// PostgresRepository persists notification records in PostgreSQL. Every
// mutation inserts a change_queue row inside the same transaction, so a
// record change and its queue entry are never visible without each other.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

const recordColumns = `id, project_id, channel, title, body, priority, variables, status, version, created_at, updated_at, deleted_at`

// Pool exposes the connection pool so other stores (credentials) can
// share it.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) Create(ctx context.Context, rec *models.NotificationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := createInTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func createInTx(ctx context.Context, tx pgx.Tx, rec *models.NotificationRecord) error {
	now := time.Now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	vars, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO notification_records (id, project_id, channel, title, body, priority, variables, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.ProjectID, rec.Channel, rec.Title, rec.Body, rec.Priority,
		vars, rec.Status, rec.Version, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrRecordExists
		}
		return fmt.Errorf("inserting record: %w", err)
	}
	return appendChangeInTx(ctx, tx, models.OpInsert, rec)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.NotificationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM notification_records
		WHERE id = $1 AND deleted_at IS NULL`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Update(ctx context.Context, rec *models.NotificationRecord, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateInTx(ctx, tx, rec, expectedVersion); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateInTx(ctx context.Context, tx pgx.Tx, rec *models.NotificationRecord, expectedVersion int64) error {
	vars, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE notification_records
		SET project_id = $1, channel = $2, title = $3, body = $4, priority = $5,
		    variables = $6, status = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10 AND deleted_at IS NULL
		RETURNING version, created_at, updated_at`,
		rec.ProjectID, rec.Channel, rec.Title, rec.Body, rec.Priority,
		vars, rec.Status, time.Now().UTC(), rec.ID, expectedVersion)

	err = row.Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return versionConflictOrMissing(ctx, tx, rec.ID)
		}
		return fmt.Errorf("updating record: %w", err)
	}
	return appendChangeInTx(ctx, tx, models.OpUpdate, rec)
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := softDeleteInTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func softDeleteInTx(ctx context.Context, tx pgx.Tx, id string) error {
	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
		UPDATE notification_records
		SET deleted_at = $1, version = version + 1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL
		RETURNING `+recordColumns, now, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("soft deleting record: %w", err)
	}
	return appendChangeInTx(ctx, tx, models.OpDelete, rec)
}

// versionConflictOrMissing distinguishes a stale version from a record
// that does not exist at all, since both make the guarded UPDATE match
// zero rows.
func versionConflictOrMissing(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM notification_records WHERE id = $1 AND deleted_at IS NULL)`,
		id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking record existence: %w", err)
	}
	if exists {
		return ErrVersionConflict
	}
	return ErrRecordNotFound
}

func (r *PostgresRepository) List(ctx context.Context, filter models.ListFilter) ([]*models.NotificationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + recordColumns + ` FROM notification_records WHERE 1=1`
	args := []any{}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		query += fmt.Sprintf(` AND project_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var recs []*models.NotificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *PostgresRepository) BulkCreate(ctx context.Context, recs []*models.NotificationRecord, failFast bool) (*BulkResult, error) {
	return r.bulk(ctx, len(recs), failFast,
		func(ctx context.Context, tx pgx.Tx, i int) (string, error) {
			return recs[i].ID, createInTx(ctx, tx, recs[i])
		})
}

func (r *PostgresRepository) BulkUpdate(ctx context.Context, updates []VersionedUpdate, failFast bool) (*BulkResult, error) {
	return r.bulk(ctx, len(updates), failFast,
		func(ctx context.Context, tx pgx.Tx, i int) (string, error) {
			return updates[i].Record.ID, updateInTx(ctx, tx, updates[i].Record, updates[i].ExpectedVersion)
		})
}

func (r *PostgresRepository) BulkDelete(ctx context.Context, ids []string, failFast bool) (*BulkResult, error) {
	return r.bulk(ctx, len(ids), failFast,
		func(ctx context.Context, tx pgx.Tx, i int) (string, error) {
			return ids[i], softDeleteInTx(ctx, tx, ids[i])
		})
}

// bulk runs each item in a savepoint (pgx nests transactions via
// SAVEPOINT) so one bad item rolls back alone while the rest of the
// batch commits. With failFast the whole outer transaction aborts on
// the first failure instead.
func (r *PostgresRepository) bulk(ctx context.Context, n int, failFast bool, item func(ctx context.Context, tx pgx.Tx, i int) (string, error)) (*BulkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &BulkResult{}
	for i := 0; i < n; i++ {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating savepoint: %w", err)
		}
		id, err := item(ctx, sp, i)
		if err != nil {
			sp.Rollback(ctx)
			if failFast {
				return nil, err
			}
			result.Failed = append(result.Failed, ItemError{Index: i, ID: id, Reason: err.Error()})
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, fmt.Errorf("releasing savepoint: %w", err)
		}
		result.Succeeded++
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) PendingChanges(ctx context.Context, limit int) ([]*models.ChangeQueueEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT sequence, operation, record_id, snapshot, created_at, applied_at
		FROM change_queue
		WHERE applied_at IS NULL
		ORDER BY sequence
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending changes: %w", err)
	}
	defer rows.Close()

	var entries []*models.ChangeQueueEntry
	for rows.Next() {
		var e models.ChangeQueueEntry
		if err := rows.Scan(&e.Sequence, &e.Operation, &e.RecordID, &e.Snapshot, &e.CreatedAt, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning change entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) MarkChangeApplied(ctx context.Context, sequence int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE change_queue SET applied_at = $1 WHERE sequence = $2 AND applied_at IS NULL`,
		at.UTC(), sequence)
	if err != nil {
		return fmt.Errorf("marking change applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PostgresRepository) PruneAppliedChanges(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		DELETE FROM change_queue WHERE applied_at IS NOT NULL AND applied_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning applied changes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) PurgeSoftDeleted(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Records whose delete entry has not been synced yet stay behind so
	// the change queue never references a vanished record.
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM notification_records
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		  AND id NOT IN (SELECT record_id FROM change_queue WHERE applied_at IS NULL)`,
		before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging soft deleted records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func appendChangeInTx(ctx context.Context, tx pgx.Tx, op models.Operation, rec *models.NotificationRecord) error {
	snapshot, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO change_queue (operation, record_id, snapshot, created_at)
		VALUES ($1, $2, $3, $4)`,
		op, rec.ID, snapshot, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("appending change entry: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*models.NotificationRecord, error) {
	var rec models.NotificationRecord
	var vars []byte
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Channel, &rec.Title, &rec.Body,
		&rec.Priority, &vars, &rec.Status, &rec.Version, &rec.CreatedAt,
		&rec.UpdatedAt, &rec.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &rec.Variables); err != nil {
			return nil, fmt.Errorf("decoding variables: %w", err)
		}
	}
	return &rec, nil
}
