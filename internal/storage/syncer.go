package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/messaging"
	"github.com/inletworks/inlet/internal/metrics"
	"github.com/inletworks/inlet/internal/models"
)

// Transport delivers a change entry to the replication target and
// returns once the target has acknowledged it.
type Transport interface {
	Apply(ctx context.Context, entry *models.ChangeQueueEntry) error
}

// NATSTransport applies changes over NATS request/reply. The replica
// answers "ok" once it has durably applied the entry.
type NATSTransport struct {
	client     *messaging.Client
	subject    string
	ackTimeout time.Duration
}

func NewNATSTransport(client *messaging.Client, subject string, ackTimeout time.Duration) *NATSTransport {
	return &NATSTransport{client: client, subject: subject, ackTimeout: ackTimeout}
}

func (t *NATSTransport) Apply(ctx context.Context, entry *models.ChangeQueueEntry) error {
	ctx, cancel := context.WithTimeout(ctx, t.ackTimeout)
	defer cancel()

	reply, err := t.client.Request(ctx, t.subject, entry)
	if err != nil {
		return err
	}
	if !bytes.Equal(reply, []byte("ok")) {
		return fmt.Errorf("replica rejected change %d: %s", entry.Sequence, reply)
	}
	return nil
}

// Announcer broadcasts applied changes to interested consumers. Unlike
// the replication transport it is fire-and-forget; a lost announcement
// only delays a consumer until it re-lists.
type Announcer interface {
	Publish(subject string, v any) error
}

// Syncer drains the change queue in sequence order. A failed entry
// stalls the batch so changes are never applied out of order; the next
// tick retries from the same entry.
type Syncer struct {
	repo      Repository
	transport Transport
	logger    *logging.Logger

	interval  time.Duration
	batchSize int

	announcer       Announcer
	announceSubject string
}

func NewSyncer(repo Repository, transport Transport, logger *logging.Logger, interval time.Duration, batchSize int) *Syncer {
	return &Syncer{
		repo:      repo,
		transport: transport,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// WithAnnouncer makes the syncer publish each applied change to subject
// so read-side consumers learn about updates without polling.
func (s *Syncer) WithAnnouncer(a Announcer, subject string) *Syncer {
	s.announcer = a
	s.announceSubject = subject
	return s
}

// Run blocks until ctx is cancelled, draining every interval.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Drain(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "sync drain stalled", logging.Error(err))
			}
		}
	}
}

// Drain pushes pending changes until the queue is empty or an entry
// fails.
func (s *Syncer) Drain(ctx context.Context) error {
	for {
		entries, err := s.repo.PendingChanges(ctx, s.batchSize)
		if err != nil {
			return fmt.Errorf("loading pending changes: %w", err)
		}
		metrics.SyncPending.Set(float64(len(entries)))
		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			if err := s.transport.Apply(ctx, entry); err != nil {
				metrics.SyncErrors.Inc()
				return fmt.Errorf("applying change %d: %w", entry.Sequence, err)
			}
			if err := s.repo.MarkChangeApplied(ctx, entry.Sequence, time.Now().UTC()); err != nil {
				return fmt.Errorf("marking change %d applied: %w", entry.Sequence, err)
			}
			metrics.SyncPublished.Inc()
			if s.announcer != nil {
				if err := s.announcer.Publish(s.announceSubject, entry); err != nil {
					s.logger.WarnContext(ctx, "change announcement dropped",
						"sequence", entry.Sequence, logging.Error(err))
				}
			}
		}
		if len(entries) < s.batchSize {
			metrics.SyncPending.Set(0)
			return nil
		}
	}
}
