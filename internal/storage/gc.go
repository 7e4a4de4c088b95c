package storage

import (
	"context"
	"time"

	"github.com/inletworks/inlet/internal/logging"
)

// GC periodically removes applied change entries and purges records
// whose soft-delete grace period has elapsed.
type GC struct {
	repo   Repository
	logger *logging.Logger

	interval       time.Duration
	appliedChanges time.Duration
	softDeleted    time.Duration
}

func NewGC(repo Repository, logger *logging.Logger, interval, appliedChanges, softDeleted time.Duration) *GC {
	return &GC{
		repo:           repo,
		logger:         logger,
		interval:       interval,
		appliedChanges: appliedChanges,
		softDeleted:    softDeleted,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

func (g *GC) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	pruned, err := g.repo.PruneAppliedChanges(ctx, now.Add(-g.appliedChanges))
	if err != nil {
		g.logger.ErrorContext(ctx, "pruning applied changes failed", logging.Error(err))
	} else if pruned > 0 {
		g.logger.InfoContext(ctx, "pruned applied change entries", "count", pruned)
	}

	purged, err := g.repo.PurgeSoftDeleted(ctx, now.Add(-g.softDeleted))
	if err != nil {
		g.logger.ErrorContext(ctx, "purging soft deleted records failed", logging.Error(err))
	} else if purged > 0 {
		g.logger.InfoContext(ctx, "purged soft deleted records", "count", purged)
	}
}
