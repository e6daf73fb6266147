package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Sweeper expires lapsed leases. Work that a robot never finished goes
// back on the queue as a retry sibling until the retry chain is exhausted.
type Sweeper struct {
	store  storage.Store
	cfg    config.Dispatch
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates the lease sweeper
func NewSweeper(store storage.Store, cfg config.Dispatch) *Sweeper {
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		logger := log.WithComponent("sweeper")
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(time.Now()); err != nil {
					logger.Error().Err(err).Msg("sweep failed")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current pass to finish
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Sweep expires every leased row whose lease lapsed before now, and
// re-queues a retry sibling while the chain is shallower than the retry
// limit. Lapsed batches expire alongside their rows so a late renewal
// conflicts instead of resurrecting abandoned work. Returns how many rows
// were expired.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	stale, err := s.store.ListExpiredRobotBatches(now)
	if err != nil {
		return 0, err
	}
	for _, b := range stale {
		b.Status = types.RobotBatchExpired
		if err := s.store.UpdateRobotBatch(b); err != nil {
			return 0, err
		}
		metrics.RobotBatchesTotal.WithLabelValues(string(types.RobotBatchExpired)).Inc()
	}

	lapsed, err := s.store.ListExpiredPending(now)
	if err != nil {
		return 0, err
	}

	logger := log.WithComponent("sweeper")
	expired := 0
	for _, p := range lapsed {
		p.Status = types.PendingStatusExpired
		p.ExpiresAt = nil
		if err := s.store.UpdatePendingEnhancement(p); err != nil {
			return expired, err
		}
		expired++
		metrics.SweeperExpiredTotal.Inc()

		depth, err := s.store.RetryDepth(p.ID)
		if err != nil {
			return expired, err
		}
		if depth >= s.cfg.MaxRetryDepth {
			logger.Warn().Str("pending_id", p.ID.String()).Int("depth", depth).
				Msg("retry chain exhausted, work abandoned")
			continue
		}

		retryOf := p.ID
		retry := &types.PendingEnhancement{
			ID:          uuid.New(),
			ReferenceID: p.ReferenceID,
			RobotID:     p.RobotID,
			RequestID:   p.RequestID,
			Source:      p.Source,
			Status:      types.PendingStatusPending,
			Priority:    p.Priority,
			RetryOf:     &retryOf,
			CreatedAt:   now,
		}
		if err := s.store.CreatePendingEnhancement(retry); err != nil {
			return expired, err
		}
		metrics.PendingEnhancements.WithLabelValues(string(types.PendingStatusPending)).Inc()
	}

	return expired, nil
}
