package dispatch

import (
	"context"
	"time"

	"github.com/destiny-evidence/destiny-repository/pkg/acl"
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Notifier is the push side of dispatch: it periodically materializes
// batches for robots that registered a callback URL and posts each one to
// the robot's batch endpoint. Robots without a base URL stay pull-only.
type Notifier struct {
	store  storage.Store
	engine *Engine
	client *Client
	cfg    config.Dispatch
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewNotifier creates the batch push notifier
func NewNotifier(store storage.Store, engine *Engine, client *Client, cfg config.Dispatch) *Notifier {
	return &Notifier{
		store:  store,
		engine: engine,
		client: client,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the notify loop until Stop
func (n *Notifier) Start() {
	go func() {
		defer close(n.doneCh)
		logger := log.WithComponent("notifier")
		ticker := time.NewTicker(n.cfg.NotifyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := n.Notify(context.Background()); err != nil {
					logger.Error().Err(err).Msg("notify pass failed")
				}
			case <-n.stopCh:
				return
			}
		}
	}()
}

// Stop halts the notify loop and waits for the current pass to finish
func (n *Notifier) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

// Notify runs one pass: for every robot with a callback URL it leases
// pending work into batches and pushes each batch. A permanent rejection
// fails the batch and its rows; a transport failure leaves the lease for
// the sweeper to reclaim. Returns how many batches were delivered.
func (n *Notifier) Notify(ctx context.Context) (int, error) {
	robots, err := n.store.ListRobots()
	if err != nil {
		return 0, err
	}

	logger := log.WithComponent("notifier")
	notified := 0
	for _, robot := range robots {
		if robot.BaseURL == "" {
			continue
		}
		for {
			lease, err := n.engine.RequestBatch(robot.ID, 0, 0)
			if err != nil {
				return notified, err
			}
			if lease == nil {
				break
			}

			wire := &acl.RobotBatchRequestWire{
				ID:                  lease.BatchID,
				ReferenceStorageURL: lease.ReferenceFileURL,
				ResultStorageURL:    lease.ResultFileURL,
			}
			if err := n.client.NotifyBatch(ctx, robot, wire); err != nil {
				if types.KindOf(err) == types.KindRobotEnhancement {
					// the robot looked at the request and said no; the batch
					// and its rows fail terminally
					metrics.RobotNotificationsTotal.WithLabelValues("rejected").Inc()
					if subErr := n.engine.SubmitResult(lease.BatchID, &Result{Error: err.Error()}); subErr != nil {
						return notified, subErr
					}
				} else {
					// unreachable; the lease lapses and the sweeper reclaims it
					metrics.RobotNotificationsTotal.WithLabelValues("unreachable").Inc()
					logger.Warn().Err(err).Str("batch_id", lease.BatchID.String()).
						Msg("robot notification failed, leaving lease to the sweeper")
				}
				break
			}
			metrics.RobotNotificationsTotal.WithLabelValues("ok").Inc()
			notified++
		}
	}
	return notified, nil
}
