package storage

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/models"
)

type fakeTransport struct {
	applied []int64
	failOn  map[int64]error
}

func (f *fakeTransport) Apply(ctx context.Context, entry *models.ChangeQueueEntry) error {
	if err, ok := f.failOn[entry.Sequence]; ok {
		return err
	}
	f.applied = append(f.applied, entry.Sequence)
	return nil
}

func TestSyncer_DrainInOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, newRecord("proj-1")))
	}

	transport := &fakeTransport{}
	s := NewSyncer(repo, transport, logging.New(slog.LevelError, "text"), 0, 2)

	require.NoError(t, s.Drain(ctx))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, transport.applied)

	pending, err := repo.PendingChanges(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// A failed entry stalls the drain so later entries are never applied
// ahead of earlier ones. The next drain resumes from the stalled entry.
func TestSyncer_FailureStallsQueue(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newRecord("proj-1")))
	}

	transport := &fakeTransport{failOn: map[int64]error{2: errors.New("replica down")}}
	s := NewSyncer(repo, transport, logging.New(slog.LevelError, "text"), 0, 10)

	err := s.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, []int64{1}, transport.applied)

	pending, err := repo.PendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(2), pending[0].Sequence)

	delete(transport.failOn, 2)
	require.NoError(t, s.Drain(ctx))
	assert.Equal(t, []int64{1, 2, 3}, transport.applied)
}

type fakeAnnouncer struct {
	subjects  []string
	sequences []int64
	err       error
}

func (f *fakeAnnouncer) Publish(subject string, v any) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.sequences = append(f.sequences, v.(*models.ChangeQueueEntry).Sequence)
	return nil
}

func TestSyncer_AnnouncesAppliedChanges(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newRecord("proj-1")))
	}

	announcer := &fakeAnnouncer{}
	s := NewSyncer(repo, &fakeTransport{}, logging.New(slog.LevelError, "text"), 0, 10).
		WithAnnouncer(announcer, "inlet.changes")

	require.NoError(t, s.Drain(ctx))
	assert.Equal(t, []int64{1, 2, 3}, announcer.sequences)
	for _, subj := range announcer.subjects {
		assert.Equal(t, "inlet.changes", subj)
	}
}

// A dropped announcement must not stall replication; the entry is
// already applied and acknowledged.
func TestSyncer_AnnouncementFailureDoesNotStall(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("proj-1")))

	s := NewSyncer(repo, &fakeTransport{}, logging.New(slog.LevelError, "text"), 0, 10).
		WithAnnouncer(&fakeAnnouncer{err: errors.New("nats down")}, "inlet.changes")

	require.NoError(t, s.Drain(ctx))
	pending, err := repo.PendingChanges(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncer_EmptyQueue(t *testing.T) {
	repo := NewMemoryRepository()
	transport := &fakeTransport{}
	s := NewSyncer(repo, transport, logging.New(slog.LevelError, "text"), 0, 10)

	require.NoError(t, s.Drain(context.Background()))
	assert.Empty(t, transport.applied)
}
