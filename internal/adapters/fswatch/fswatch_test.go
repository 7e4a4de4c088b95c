package fswatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/inletworks/inlet/internal/credentials"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/pipeline"
	"github.com/inletworks/inlet/internal/storage"
	"github.com/inletworks/inlet/internal/validator"
)

type harness struct {
	watcher *Watcher
	repo    *storage.MemoryRepository
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.New(slog.LevelError, "text")

	manager := credentials.NewManager(credentials.NewMemoryStore(), logger, bcrypt.MinCost, time.Hour)
	issued, err := manager.Issue(context.Background(), "fswatch-test", []string{models.ScopeWrite}, 0)
	require.NoError(t, err)

	repo := storage.NewMemoryRepository()
	p := pipeline.New(manager, nil, validator.New(validator.Options{MaxPayloadBytes: 1 << 20}, nil),
		storage.NewWriter(repo, logger), logger, 5)

	dir := t.TempDir()
	w := New(dir, p, logger, issued.Plaintext, 5, 10*time.Second)
	for _, sub := range []string{processedDir, errorDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}
	return &harness{watcher: w, repo: repo, dir: dir}
}

func (h *harness) drop(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *harness) records(t *testing.T) []*models.NotificationRecord {
	t.Helper()
	recs, err := h.repo.List(context.Background(), models.ListFilter{})
	require.NoError(t, err)
	return recs
}

func TestWatcher_SingleObjectProcessed(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "one.json", `{"title":"from file","priority":2}`)

	h.watcher.ProcessFile(context.Background(), path)

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(h.dir, processedDir, "one.json"))

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "from file", recs[0].Title)
}

// A batch with bad items still persists the good ones; the file lands in
// error/ with a per-item log.
func TestWatcher_MixedBatch(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "batch.json", `[
		{"title":"ok-1"},
		{"body":"missing title"},
		{"title":"ok-2"},
		{"title":"bad","body":"<script>x()</script>"},
		{"title":"ok-3"}
	]`)

	h.watcher.ProcessFile(context.Background(), path)

	assert.Len(t, h.records(t), 3)
	assert.FileExists(t, filepath.Join(h.dir, errorDir, "batch.json"))

	logData, err := os.ReadFile(filepath.Join(h.dir, errorDir, "batch.json.error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "item 1: VALIDATION_FAILED: title is required")
	assert.Contains(t, string(logData), "item 3: VALIDATION_FAILED: Malicious patterns detected")
}

func TestWatcher_BatchCeiling(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "big.json",
		`[{"title":"1"},{"title":"2"},{"title":"3"},{"title":"4"},{"title":"5"},{"title":"6"}]`)

	h.watcher.ProcessFile(context.Background(), path)

	assert.Empty(t, h.records(t))
	assert.FileExists(t, filepath.Join(h.dir, errorDir, "big.json"))

	logData, err := os.ReadFile(filepath.Join(h.dir, errorDir, "big.json.error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "exceeds the ceiling of 5")
}

func TestWatcher_InvalidJSONFile(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "garbage.json", `{"title": unterminated`)

	h.watcher.ProcessFile(context.Background(), path)

	assert.Empty(t, h.records(t))
	assert.FileExists(t, filepath.Join(h.dir, errorDir, "garbage.json"))
}

// The startup scan catches files that were dropped while the watcher
// was down.
func TestWatcher_ScanPicksUpExistingFiles(t *testing.T) {
	h := newHarness(t)
	h.drop(t, "a.json", `{"title":"a"}`)
	h.drop(t, "b.json", `{"title":"b"}`)
	h.drop(t, "ignored.txt", `{"title":"not a drop file"}`)

	h.watcher.scan(context.Background())

	assert.Len(t, h.records(t), 2)
	assert.FileExists(t, filepath.Join(h.dir, processedDir, "a.json"))
	assert.FileExists(t, filepath.Join(h.dir, processedDir, "b.json"))
	assert.FileExists(t, filepath.Join(h.dir, "ignored.txt"))
}

func TestSplitItems(t *testing.T) {
	t.Run("object is one item", func(t *testing.T) {
		items, err := splitItems([]byte(`{"title":"x"}`), 3)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("array under ceiling", func(t *testing.T) {
		items, err := splitItems([]byte(` [{"a":1},{"b":2}]`), 3)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("array over ceiling", func(t *testing.T) {
		_, err := splitItems([]byte(`[1,2,3,4]`), 3)
		assert.Error(t, err)
	})
}
