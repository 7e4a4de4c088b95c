// Package fswatch ingests notifications dropped as JSON files into a
// watched directory. A file is the unit of work: it is processed at most
// once, then moved to processed/ or error/ as the single commit point. A
// file still sitting in the drop directory after a crash simply gets
// picked up again by the startup scan.
package fswatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/metrics"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/pipeline"
)

const (
	processedDir = "processed"
	errorDir     = "error"

	// settleDelay gives the producer a moment to finish writing before
	// the file is read.
	settleDelay = 100 * time.Millisecond
)

// Watcher drains one drop directory.
type Watcher struct {
	dir      string
	pipeline *pipeline.Pipeline
	logger   *logging.Logger

	// secret authenticates every file-sourced envelope. The drop
	// directory is a local trust boundary, but the pipeline contract is
	// the same for every channel.
	secret       string
	batchCeiling int
	fileTimeout  time.Duration

	mu       sync.Mutex
	inflight map[string]bool
}

func New(dir string, p *pipeline.Pipeline, logger *logging.Logger, secret string, batchCeiling int, fileTimeout time.Duration) *Watcher {
	if batchCeiling <= 0 {
		batchCeiling = 100
	}
	if fileTimeout <= 0 {
		fileTimeout = 30 * time.Second
	}
	return &Watcher{
		dir:          dir,
		pipeline:     p,
		logger:       logger,
		secret:       secret,
		batchCeiling: batchCeiling,
		fileTimeout:  fileTimeout,
		inflight:     make(map[string]bool),
	}
}

// Run watches the drop directory until ctx is cancelled. Files already
// present at startup are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	for _, sub := range []string{processedDir, errorDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating %s directory: %w", sub, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isDropFile(event.Name) {
				continue
			}
			go w.ProcessFile(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "watcher error", logging.Error(err))
		}
	}
}

// scan processes files that were dropped while the watcher was not
// running.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.ErrorContext(ctx, "scanning drop directory failed", logging.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDropFile(entry.Name()) {
			continue
		}
		w.ProcessFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// ProcessFile ingests one file and moves it out of the drop directory.
// Concurrent calls for the same path are deduplicated; the losing call
// is a no-op.
func (w *Watcher) ProcessFile(ctx context.Context, path string) {
	w.mu.Lock()
	if w.inflight[path] {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
	}()

	time.Sleep(settleDelay)

	ctx, cancel := context.WithTimeout(ctx, w.fileTimeout)
	defer cancel()

	failures := w.ingest(ctx, path)
	if len(failures) == 0 {
		if err := w.moveTo(path, processedDir); err != nil {
			w.logger.ErrorContext(ctx, "moving processed file failed", "file", path, logging.Error(err))
			return
		}
		metrics.FilesProcessed.WithLabelValues("processed").Inc()
		w.logger.InfoContext(ctx, "file ingested", "file", filepath.Base(path))
		return
	}

	if err := w.writeErrorLog(path, failures); err != nil {
		w.logger.ErrorContext(ctx, "writing error log failed", "file", path, logging.Error(err))
	}
	if err := w.moveTo(path, errorDir); err != nil {
		w.logger.ErrorContext(ctx, "moving failed file failed", "file", path, logging.Error(err))
		return
	}
	metrics.FilesProcessed.WithLabelValues("error").Inc()
	w.logger.WarnContext(ctx, "file rejected", "file", filepath.Base(path), "failures", len(failures))
}

// ingest parses and pipelines the file's items, returning one line per
// failed item. Valid items of a mixed batch are persisted regardless.
func (w *Watcher) ingest(ctx context.Context, path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return []string{fmt.Sprintf("reading file: %v", err)}
	}

	items, err := splitItems(data, w.batchCeiling)
	if err != nil {
		return []string{err.Error()}
	}

	var failures []string
	for i, item := range items {
		env := &models.RawEnvelope{
			SourceChannel:  models.ChannelFile,
			ReceivedAt:     time.Now().UTC(),
			RemoteIdentity: "file:" + filepath.Base(path),
			ContentType:    "application/json",
			SizeBytes:      int64(len(item)),
			RawBody:        item,
			Secret:         w.secret,
		}
		if _, rej := w.pipeline.Process(ctx, env); rej != nil {
			reason := rej.Message
			if len(rej.Violations) > 0 {
				reason = strings.Join(rej.Violations, "; ")
			}
			failures = append(failures, fmt.Sprintf("item %d: %s: %s", i, rej.Code, reason))
		}
	}
	return failures
}

// splitItems turns the file body into individual raw payloads: a JSON
// object is one item, an array is a batch bounded by the ceiling.
func splitItems(data []byte, ceiling int) ([]json.RawMessage, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "[") {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("file is not valid JSON: %v", err)
		}
		if len(batch) > ceiling {
			return nil, fmt.Errorf("batch of %d items exceeds the ceiling of %d", len(batch), ceiling)
		}
		return batch, nil
	}

	var obj json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("file is not valid JSON: %v", err)
	}
	return []json.RawMessage{obj}, nil
}

func (w *Watcher) moveTo(path, sub string) error {
	target := filepath.Join(w.dir, sub, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(w.dir, sub,
			fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	return os.Rename(path, target)
}

func (w *Watcher) writeErrorLog(path string, failures []string) error {
	logPath := filepath.Join(w.dir, errorDir, filepath.Base(path)+".error.log")
	content := strings.Join(failures, "\n") + "\n"
	return os.WriteFile(logPath, []byte(content), 0o644)
}

func isDropFile(path string) bool {
	return strings.HasSuffix(path, ".json")
}
