package dispatch

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/acl"
	"github.com/destiny-evidence/destiny-repository/pkg/blob"
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// ErrNoPendingWork is the exact conflict detail returned when a lease
// renewal races work completion or expiry
const ErrNoPendingWork = "This batch has no pending enhancements."

// BatchLease is what a polling robot receives: the batch id plus signed
// URLs for the hydrated reference artifact (read) and the result artifact
// (write)
type BatchLease struct {
	BatchID          uuid.UUID
	ReferenceFileURL string
	ResultFileURL    string
	ExpiresAt        time.Time
}

// ReferenceUpdate reports a reference changed by a robot result so the
// caller can chain projection and percolation
type ReferenceUpdate struct {
	Reference *types.Reference
	Changeset *types.Changeset
}

// Engine is the pull-based enhancement dispatch: robots poll for leased
// work batches, renew leases while they work, and submit results
type Engine struct {
	store storage.Store
	blobs blob.Store
	cfg   config.Dispatch
}

// NewEngine creates the dispatch engine
func NewEngine(store storage.Store, blobs blob.Store, cfg config.Dispatch) *Engine {
	return &Engine{store: store, blobs: blobs, cfg: cfg}
}

// clampLease bounds a requested lease to the configured window
func (e *Engine) clampLease(lease time.Duration) time.Duration {
	if lease <= 0 {
		return e.cfg.DefaultLease
	}
	if lease < e.cfg.MinLease {
		return e.cfg.MinLease
	}
	if lease > e.cfg.MaxLease {
		return e.cfg.MaxLease
	}
	return lease
}

// RequestBatch leases up to min(limit, max batch size) pending rows to a
// robot. Returns nil when no work is available. Concurrent pollers from
// the same robot are safe: the store serializes the selection, so one
// poller gets the rows and the rest see none.
func (e *Engine) RequestBatch(robotID uuid.UUID, limit int, lease time.Duration) (*BatchLease, error) {
	if _, err := e.store.GetRobot(robotID); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > e.cfg.MaxBatchSize {
		limit = e.cfg.MaxBatchSize
	}
	now := time.Now()
	expiresAt := now.Add(e.clampLease(lease))

	leased, err := e.store.LeasePending(robotID, limit, expiresAt)
	if err != nil {
		return nil, err
	}
	if len(leased) == 0 {
		return nil, nil
	}

	batchID := uuid.New()
	refKey := blob.ArtifactKey("references", batchID)
	resultKey := blob.ArtifactKey("results", batchID)

	rows := make([]any, 0, len(leased))
	pendingIDs := make([]uuid.UUID, 0, len(leased))
	for _, p := range leased {
		ref, err := e.store.GetReference(p.ReferenceID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, acl.ReferenceToWire(ref))
		pendingIDs = append(pendingIDs, p.ID)
	}

	var buf bytes.Buffer
	if err := blob.EncodeLines(&buf, rows); err != nil {
		return nil, err
	}
	if _, err := e.blobs.Put(refKey, &buf); err != nil {
		return nil, err
	}

	batch := &types.RobotEnhancementBatch{
		ID:            batchID,
		RobotID:       robotID,
		Status:        types.RobotBatchPending,
		ReferenceFile: refKey,
		ResultFile:    resultKey,
		PendingIDs:    pendingIDs,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
	}
	if err := e.store.CreateRobotBatch(batch); err != nil {
		return nil, err
	}

	metrics.RobotBatchesTotal.WithLabelValues(string(types.RobotBatchPending)).Inc()
	logger := log.WithRobotID(robotID.String())
	logger.Info().
		Str("batch_id", batchID.String()).Int("size", len(leased)).
		Time("expires_at", expiresAt).Msg("batch leased")

	return &BatchLease{
		BatchID:          batchID,
		ReferenceFileURL: e.blobs.SignURL(refKey, "GET", now),
		ResultFileURL:    e.blobs.SignURL(resultKey, "PUT", now),
		ExpiresAt:        expiresAt,
	}, nil
}

// RenewLease extends a batch's lease, but only while some of its pending
// enhancements are still processing. A batch whose work all completed or
// expired conflicts: the robot should stop working on it.
func (e *Engine) RenewLease(batchID uuid.UUID, lease time.Duration) (time.Time, error) {
	batch, err := e.store.GetRobotBatch(batchID)
	if err != nil {
		return time.Time{}, err
	}

	stillProcessing := false
	pendings := make([]*types.PendingEnhancement, 0, len(batch.PendingIDs))
	for _, id := range batch.PendingIDs {
		p, err := e.store.GetPendingEnhancement(id)
		if err != nil {
			return time.Time{}, err
		}
		pendings = append(pendings, p)
		if p.Status == types.PendingStatusProcessing {
			stillProcessing = true
		}
	}
	if batch.Status.Terminal() || !stillProcessing {
		metrics.LeaseRenewalsTotal.WithLabelValues("conflict").Inc()
		return time.Time{}, types.NewError(types.KindIntegrity, "%s", ErrNoPendingWork)
	}

	newExpiry := time.Now().Add(e.clampLease(lease))
	batch.ExpiresAt = newExpiry
	if err := e.store.UpdateRobotBatch(batch); err != nil {
		return time.Time{}, err
	}
	for _, p := range pendings {
		if !p.Status.Leased() {
			continue
		}
		expiry := newExpiry
		p.ExpiresAt = &expiry
		if err := e.store.UpdatePendingEnhancement(p); err != nil {
			return time.Time{}, err
		}
	}

	metrics.LeaseRenewalsTotal.WithLabelValues("ok").Inc()
	return newExpiry, nil
}

// Result is a robot's submission for a batch: a terminal error, or a
// pointer to the result artifact it wrote
type Result struct {
	Error     string
	ResultURL string
}

// SubmitResult accepts a robot's submission. On error every pending row
// fails immediately. On success the rows move to importing; the artifact
// itself is consumed by ImportResultArtifact, typically as a background
// task.
func (e *Engine) SubmitResult(batchID uuid.UUID, res *Result) error {
	batch, err := e.store.GetRobotBatch(batchID)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		return types.NewError(types.KindIntegrity, "batch %s is already %s", batchID, batch.Status)
	}

	if res.Error != "" {
		batch.Status = types.RobotBatchFailed
		if err := e.store.UpdateRobotBatch(batch); err != nil {
			return err
		}
		if err := e.transitionPendings(batch, types.PendingStatusFailed); err != nil {
			return err
		}
		metrics.RobotBatchesTotal.WithLabelValues(string(types.RobotBatchFailed)).Inc()
		logger := log.WithRobotID(batch.RobotID.String())
		logger.Warn().
			Str("batch_id", batchID.String()).Str("error", res.Error).
			Msg("robot reported batch failure")
		return nil
	}

	if res.ResultURL != "" {
		key, err := blob.KeyFromURL(res.ResultURL)
		if err != nil {
			return err
		}
		if key != batch.ResultFile {
			return types.InvalidPayloadError("result url does not match the batch result file")
		}
	}

	batch.Status = types.RobotBatchImporting
	if err := e.store.UpdateRobotBatch(batch); err != nil {
		return err
	}
	return e.transitionPendings(batch, types.PendingStatusImporting)
}

// ImportResultArtifact reads the result artifact line by line, attaches
// each enhancement to its reference, and settles every pending row the
// batch holds for that reference. Rows pass through indexing while the
// onUpdated callback chains projection and percolation, so a failure
// there lands them in indexing_failed instead of completed.
func (e *Engine) ImportResultArtifact(batchID uuid.UUID, onUpdated func(ReferenceUpdate) error) error {
	batch, err := e.store.GetRobotBatch(batchID)
	if err != nil {
		return err
	}
	// a redelivered import task for a settled batch is a no-op
	if batch.Status.Terminal() {
		return nil
	}
	if batch.Status != types.RobotBatchImporting {
		return types.NewError(types.KindIntegrity, "batch %s is %s, not importing", batchID, batch.Status)
	}

	pendingByRef := make(map[uuid.UUID][]*types.PendingEnhancement)
	for _, id := range batch.PendingIDs {
		p, err := e.store.GetPendingEnhancement(id)
		if err != nil {
			return err
		}
		if p.Status == types.PendingStatusImporting {
			pendingByRef[p.ReferenceID] = append(pendingByRef[p.ReferenceID], p)
		}
	}

	rc, err := e.blobs.Open(batch.ResultFile)
	if err != nil {
		return err
	}
	defer rc.Close()

	logger := log.WithBatchID(batchID.String())
	err = blob.DecodeLines(rc, func(line int, data []byte) error {
		result, err := acl.ParseRobotResult(data)
		if err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("skipping malformed result line")
			return nil
		}
		rows, ok := pendingByRef[result.ReferenceID]
		if !ok {
			logger.Warn().Int("line", line).Str("reference_id", result.ReferenceID.String()).
				Msg("result line for a reference outside the batch")
			return nil
		}
		delete(pendingByRef, result.ReferenceID)

		if result.Error != "" {
			return e.settleAll(rows, types.PendingStatusFailed)
		}
		update, err := e.attachEnhancement(result.ReferenceID, result.Enhancement)
		if err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("failed to apply robot enhancement")
			return e.settleAll(rows, types.PendingStatusFailed)
		}
		if err := e.settleAll(rows, types.PendingStatusIndexing); err != nil {
			return err
		}
		if onUpdated != nil {
			if err := onUpdated(*update); err != nil {
				logger.Warn().Err(err).Int("line", line).Msg("projection chain rejected imported enhancement")
				return e.settleAll(rows, types.PendingStatusIndexingFailed)
			}
		}
		return e.settleAll(rows, types.PendingStatusCompleted)
	})
	if err != nil {
		return err
	}

	// rows the artifact never mentioned fail rather than hang
	for _, rows := range pendingByRef {
		if err := e.settleAll(rows, types.PendingStatusFailed); err != nil {
			return err
		}
	}

	batch.Status = types.RobotBatchCompleted
	if err := e.store.UpdateRobotBatch(batch); err != nil {
		return err
	}
	metrics.RobotBatchesTotal.WithLabelValues(string(types.RobotBatchCompleted)).Inc()
	return nil
}

// attachEnhancement validates and attaches one robot enhancement to its
// reference, returning the update for the projection chain
func (e *Engine) attachEnhancement(refID uuid.UUID, wire *acl.EnhancementWire) (*ReferenceUpdate, error) {
	ref, err := e.store.GetReference(refID)
	if err != nil {
		return nil, err
	}
	enh, err := acl.EnhancementToDomain(wire, ref.ID)
	if err != nil {
		return nil, err
	}

	// (content type, source) collisions replace: the robot's newest answer
	// wins its own slot
	kept := ref.Enhancements[:0]
	for _, existing := range ref.Enhancements {
		if existing.Key() != enh.Key() {
			kept = append(kept, existing)
		}
	}
	ref.Enhancements = append(kept, enh)
	ref.UpdatedAt = time.Now()

	if err := e.store.SaveReference(ref); err != nil {
		return nil, err
	}
	return &ReferenceUpdate{
		Reference: ref,
		Changeset: &types.Changeset{
			AddedEnhancementTypes: []types.EnhancementType{enh.Content.Type},
		},
	}, nil
}

func (e *Engine) settlePending(p *types.PendingEnhancement, status types.PendingStatus) error {
	p.Status = status
	p.ExpiresAt = nil
	return e.store.UpdatePendingEnhancement(p)
}

func (e *Engine) settleAll(rows []*types.PendingEnhancement, status types.PendingStatus) error {
	for _, p := range rows {
		if err := e.settlePending(p, status); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) transitionPendings(batch *types.RobotEnhancementBatch, status types.PendingStatus) error {
	for _, id := range batch.PendingIDs {
		p, err := e.store.GetPendingEnhancement(id)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			continue
		}
		p.Status = status
		if status.Terminal() {
			p.ExpiresAt = nil
		}
		if err := e.store.UpdatePendingEnhancement(p); err != nil {
			return err
		}
	}
	return nil
}

// RequestStatus derives an enhancement request's status from its pending
// rows
func (e *Engine) RequestStatus(requestID uuid.UUID) (types.EnhancementRequestStatus, error) {
	if _, err := e.store.GetEnhancementRequest(requestID); err != nil {
		return "", err
	}
	rows, err := e.store.ListPendingByRequest(requestID)
	if err != nil {
		return "", err
	}
	statuses := make([]types.PendingStatus, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, row.Status)
	}
	return types.DeriveRequestStatus(statuses), nil
}

// CreateRequest registers an enhancement request and materializes one
// pending row per reference
func (e *Engine) CreateRequest(req *types.EnhancementRequest) error {
	if _, err := e.store.GetRobot(req.RobotID); err != nil {
		return err
	}
	for _, refID := range req.ReferenceIDs {
		if _, err := e.store.GetReference(refID); err != nil {
			return err
		}
	}
	if err := e.store.CreateEnhancementRequest(req); err != nil {
		return err
	}
	for _, refID := range req.ReferenceIDs {
		requestID := req.ID
		p := &types.PendingEnhancement{
			ID:          uuid.New(),
			ReferenceID: refID,
			RobotID:     req.RobotID,
			RequestID:   &requestID,
			Source:      req.Source,
			Status:      types.PendingStatusPending,
			Priority:    req.Priority,
			CreatedAt:   time.Now(),
		}
		if err := e.store.CreatePendingEnhancement(p); err != nil {
			return err
		}
		metrics.PendingEnhancements.WithLabelValues(string(types.PendingStatusPending)).Inc()
	}
	return nil
}
