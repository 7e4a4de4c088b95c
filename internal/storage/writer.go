package storage

import (
	"context"
	"errors"
	"time"

	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/metrics"
	"github.com/inletworks/inlet/internal/models"
)

// Writer fronts a Repository with bounded retries for transient storage
// failures. Logical failures (not found, duplicate, version conflict)
// are returned immediately since retrying them cannot help.
type Writer struct {
	repo     Repository
	logger   *logging.Logger
	attempts int
	backoff  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultWriteAttempts = 3
	defaultWriteBackoff  = 100 * time.Millisecond
)

func NewWriter(repo Repository, logger *logging.Logger) *Writer {
	return &Writer{
		repo:     repo,
		logger:   logger,
		attempts: defaultWriteAttempts,
		backoff:  defaultWriteBackoff,
		sleep:    sleepCtx,
	}
}

func (w *Writer) Create(ctx context.Context, rec *models.NotificationRecord) error {
	return w.retry(ctx, "create", rec.ID, func() error {
		return w.repo.Create(ctx, rec)
	})
}

func (w *Writer) Update(ctx context.Context, rec *models.NotificationRecord, expectedVersion int64) error {
	return w.retry(ctx, "update", rec.ID, func() error {
		return w.repo.Update(ctx, rec, expectedVersion)
	})
}

func (w *Writer) SoftDelete(ctx context.Context, id string) error {
	return w.retry(ctx, "delete", id, func() error {
		return w.repo.SoftDelete(ctx, id)
	})
}

func (w *Writer) retry(ctx context.Context, op, id string, fn func() error) error {
	start := time.Now()
	defer func() {
		metrics.StorageDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		metrics.StorageErrors.WithLabelValues(op).Inc()
		w.logger.WarnContext(ctx, "storage write failed, retrying",
			"op", op,
			logging.RecordID(id),
			"attempt", attempt,
			logging.Error(err))
		if attempt == w.attempts {
			break
		}
		if serr := w.sleep(ctx, w.backoff*time.Duration(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRecordNotFound),
		errors.Is(err, ErrRecordExists),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
