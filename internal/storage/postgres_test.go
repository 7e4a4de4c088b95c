package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/inletworks/inlet/internal/models"
)

// setupTestDatabase starts a PostgreSQL testcontainer and applies the
// migrations.
func setupTestDatabase(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("inlet_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("skipping: postgres container not available: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, runMigrations(connStr))

	repo, err := NewPostgresRepository(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func runMigrations(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	migrationSQL, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.up.sql"))
	if err != nil {
		return fmt.Errorf("reading migration file: %w", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func TestPostgresRepository_CreateGetUpdateDelete(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	rec := newRecord("proj-pg")
	require.NoError(t, repo.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)
	assert.ErrorIs(t, repo.Create(ctx, rec), ErrRecordExists)

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Title, got.Title)
	assert.Equal(t, rec.Variables, got.Variables)

	rec.Title = "updated"
	require.NoError(t, repo.Update(ctx, rec, 1))
	assert.Equal(t, int64(2), rec.Version)
	assert.ErrorIs(t, repo.Update(ctx, rec, 1), ErrVersionConflict)

	require.NoError(t, repo.SoftDelete(ctx, rec.ID))
	_, err = repo.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, repo.SoftDelete(ctx, rec.ID), ErrRecordNotFound)

	// Every mutation above left one change entry behind, in order.
	entries, err := repo.PendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.OpInsert, entries[0].Operation)
	assert.Equal(t, models.OpUpdate, entries[1].Operation)
	assert.Equal(t, models.OpDelete, entries[2].Operation)
	assert.Less(t, entries[0].Sequence, entries[1].Sequence)
	assert.Less(t, entries[1].Sequence, entries[2].Sequence)
}

func TestPostgresRepository_BulkPartialFailure(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	dup := newRecord("proj-pg")
	require.NoError(t, repo.Create(ctx, dup))

	good := newRecord("proj-pg")
	result, err := repo.BulkCreate(ctx, []*models.NotificationRecord{good, dup}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)

	// The failed item's savepoint must not have swallowed the good one.
	_, err = repo.Get(ctx, good.ID)
	require.NoError(t, err)
}

func TestPostgresRepository_BulkFailFastAborts(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	dup := newRecord("proj-pg")
	require.NoError(t, repo.Create(ctx, dup))

	first := newRecord("proj-pg")
	_, err := repo.BulkCreate(ctx, []*models.NotificationRecord{first, dup}, true)
	require.ErrorIs(t, err, ErrRecordExists)

	_, err = repo.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPostgresRepository_ChangeQueueLifecycle(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	rec := newRecord("proj-pg")
	require.NoError(t, repo.Create(ctx, rec))

	entries, err := repo.PendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.MarkChangeApplied(ctx, entries[0].Sequence, old))
	assert.ErrorIs(t, repo.MarkChangeApplied(ctx, entries[0].Sequence, old), ErrRecordNotFound)

	pruned, err := repo.PruneAppliedChanges(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestPostgresRepository_PurgeKeepsUnsyncedDeletes(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	rec := newRecord("proj-pg")
	require.NoError(t, repo.Create(ctx, rec))
	require.NoError(t, repo.SoftDelete(ctx, rec.ID))

	// Both change entries are still pending, so the purge must skip it.
	purged, err := repo.PurgeSoftDeleted(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, purged)

	entries, err := repo.PendingChanges(ctx, 10)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, repo.MarkChangeApplied(ctx, e.Sequence, time.Now()))
	}

	purged, err = repo.PurgeSoftDeleted(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestPostgresRepository_ListFilters(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newRecord("proj-a")))
	}
	delivered := newRecord("proj-b")
	delivered.Status = models.StatusDelivered
	require.NoError(t, repo.Create(ctx, delivered))

	byProject, err := repo.List(ctx, models.ListFilter{ProjectID: "proj-a"})
	require.NoError(t, err)
	assert.Len(t, byProject, 3)

	byStatus, err := repo.List(ctx, models.ListFilter{Status: models.StatusDelivered, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, delivered.ID, byStatus[0].ID)
}
