package importer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/acl"
	"github.com/destiny-evidence/destiny-repository/pkg/blob"
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/dedup"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Ingested reports one reference the batch created or changed, with the
// delta that was applied, so downstream deduplication and percolation can
// chain off it
type Ingested struct {
	Reference *types.Reference
	Changeset *types.Changeset
	Created   bool
}

// Importer runs batch ingestion: NDJSON artifacts of wire references are
// parsed, resolved against existing identifiers, and merged line by line.
// One bad line fails that line, never the batch.
type Importer struct {
	store storage.Store
	blobs blob.Store
	cfg   config.Import
}

// New creates the importer
func New(store storage.Store, blobs blob.Store, cfg config.Import) *Importer {
	return &Importer{store: store, blobs: blobs, cfg: cfg}
}

// CreateRecord registers an upstream search/export run
func (i *Importer) CreateRecord(rec *types.ImportRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return i.store.CreateImportRecord(rec)
}

// CreateBatch registers one artifact to ingest under a record
func (i *Importer) CreateBatch(batch *types.ImportBatch) error {
	if _, err := i.store.GetImportRecord(batch.RecordID); err != nil {
		return err
	}
	switch batch.CollisionPolicy {
	case types.CollisionOverwrite, types.CollisionAppend,
		types.CollisionMergeDefensive, types.CollisionMergeAggressive:
	case "":
		batch.CollisionPolicy = types.CollisionMergeDefensive
	default:
		return types.InvalidPayloadError("unknown collision policy %q", batch.CollisionPolicy)
	}
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	batch.Status = types.ImportBatchCreated
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}
	return i.store.CreateImportBatch(batch)
}

// ProcessBatch ingests the batch artifact. Each successful line invokes
// onIngested with the created or updated reference. Per-line outcomes are
// persisted as import results; the batch status is the rollup.
func (i *Importer) ProcessBatch(batchID uuid.UUID, onIngested func(Ingested) error) error {
	batch, err := i.store.GetImportBatch(batchID)
	if err != nil {
		return err
	}
	switch batch.Status {
	case types.ImportBatchCompleted, types.ImportBatchCancelled:
		return nil
	case types.ImportBatchCreated, types.ImportBatchStarted,
		types.ImportBatchFailed, types.ImportBatchPartiallyFailed:
	default:
		return types.IntegrityError("batch %s is %s", batchID, batch.Status)
	}

	batch.Status = types.ImportBatchStarted
	batch.Attempts++
	if err := i.store.UpdateImportBatch(batch); err != nil {
		return err
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ImportBatchDuration)

	key, err := blob.KeyFromURL(batch.StorageURL)
	if err != nil {
		return i.failBatch(batch, err)
	}
	rc, err := i.blobs.Open(key)
	if err != nil {
		return i.failBatch(batch, err)
	}
	defer rc.Close()

	logger := log.WithBatchID(batchID.String())
	var succeeded, failed int
	err = blob.DecodeLines(rc, func(line int, data []byte) error {
		result := &types.ImportResult{
			ID:        uuid.New(),
			BatchID:   batchID,
			Line:      line,
			CreatedAt: time.Now(),
		}

		ingested, status, lineErr := i.processLineWithRetry(data, batch.CollisionPolicy)
		result.Status = status
		if lineErr != nil {
			result.FailureDetails = lineErr.Error()
			failed++
			logger.Warn().Err(lineErr).Int("line", line).Msg("line failed")
		} else {
			succeeded++
			if ingested != nil && ingested.Reference != nil {
				id := ingested.Reference.ID
				result.ReferenceID = &id
			}
		}
		if err := i.store.CreateImportResult(result); err != nil {
			return err
		}
		metrics.ImportLinesTotal.WithLabelValues(string(result.Status)).Inc()

		if lineErr == nil && ingested != nil && onIngested != nil {
			if err := onIngested(*ingested); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return i.failBatch(batch, err)
	}

	switch {
	case failed == 0:
		batch.Status = types.ImportBatchCompleted
	case succeeded == 0:
		batch.Status = types.ImportBatchFailed
	default:
		batch.Status = types.ImportBatchPartiallyFailed
	}
	metrics.ImportBatchesTotal.WithLabelValues(string(batch.Status)).Inc()
	logger.Info().Int("succeeded", succeeded).Int("failed", failed).
		Str("status", string(batch.Status)).Msg("batch processed")
	return i.store.UpdateImportBatch(batch)
}

func (i *Importer) failBatch(batch *types.ImportBatch, cause error) error {
	batch.Status = types.ImportBatchFailed
	metrics.ImportBatchesTotal.WithLabelValues(string(batch.Status)).Inc()
	if err := i.store.UpdateImportBatch(batch); err != nil {
		return err
	}
	return cause
}

// processLineWithRetry retries a line a bounded number of times, but only
// on classified transient failures
func (i *Importer) processLineWithRetry(data []byte, policy types.CollisionPolicy) (*Ingested, types.ImportResultStatus, error) {
	var (
		ingested *Ingested
		status   types.ImportResultStatus
		err      error
	)
	for attempt := 0; ; attempt++ {
		ingested, status, err = i.processLine(data, policy)
		if err == nil || !types.IsTransient(err) || attempt >= i.cfg.MaxRetries {
			return ingested, status, err
		}
	}
}

// processLine parses one artifact line and lands it: a brand new
// reference, a merge into the reference its identifiers resolve to, or a
// recorded exact duplicate that persists nothing new
func (i *Importer) processLine(data []byte, policy types.CollisionPolicy) (*Ingested, types.ImportResultStatus, error) {
	incoming, err := acl.ParseReference(data)
	if err != nil {
		return nil, types.ImportResultFailed, err
	}

	existing, err := i.resolve(incoming)
	if err != nil {
		return nil, types.ImportResultFailed, err
	}

	if existing == nil {
		if err := i.store.SaveReference(incoming); err != nil {
			return nil, types.ImportResultFailed, err
		}
		cs := &types.Changeset{NewReference: true}
		for _, id := range incoming.Identifiers {
			cs.AddedIdentifierTypes = append(cs.AddedIdentifierTypes, id.Type)
		}
		for _, enh := range incoming.Enhancements {
			cs.AddedEnhancementTypes = append(cs.AddedEnhancementTypes, enh.Content.Type)
		}
		return &Ingested{Reference: incoming, Changeset: cs, Created: true},
			types.ImportResultCreated, nil
	}

	if dedup.ExactDuplicateOf(incoming, existing) {
		canonical := existing.ID
		err := i.store.ActivateDecision(&types.ReferenceDuplicateDecision{
			ID:                   uuid.New(),
			ReferenceID:          incoming.ID,
			Determination:        types.DeterminationExactDuplicate,
			CanonicalReferenceID: &canonical,
			CreatedAt:            time.Now(),
		})
		if err != nil {
			return nil, types.ImportResultFailed, err
		}
		metrics.DedupDecisionsTotal.WithLabelValues(string(types.DeterminationExactDuplicate), "high").Inc()
		return &Ingested{Reference: existing, Changeset: &types.Changeset{}},
			types.ImportResultUpdated, nil
	}

	cs, err := i.merge(existing, incoming, policy)
	if err != nil {
		return nil, types.ImportResultFailed, err
	}
	return &Ingested{Reference: existing, Changeset: cs}, types.ImportResultUpdated, nil
}

// resolve finds the existing reference the incoming identifiers point at.
// Identifiers spanning two distinct references is a conflict: merging
// would silently collapse them.
func (i *Importer) resolve(incoming *types.Reference) (*types.Reference, error) {
	var found *types.Reference
	for _, key := range incoming.IdentifierKeys() {
		ref, err := i.store.FindReferenceByIdentifier(key)
		if types.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if found != nil && found.ID != ref.ID {
			return nil, types.IntegrityError(
				"identifiers resolve to distinct references %s and %s", found.ID, ref.ID)
		}
		found = ref
	}
	return found, nil
}

// merge lands the incoming payload on the existing reference. Identifiers
// are always unioned; how enhancements combine is the collision policy.
func (i *Importer) merge(existing, incoming *types.Reference, policy types.CollisionPolicy) (*types.Changeset, error) {
	cs := &types.Changeset{}

	owned := make(map[string]bool, len(existing.Identifiers))
	for _, id := range existing.Identifiers {
		owned[id.Key()] = true
	}
	for _, id := range incoming.Identifiers {
		if owned[id.Key()] {
			continue
		}
		existing.Identifiers = append(existing.Identifiers, id)
		cs.AddedIdentifierTypes = append(cs.AddedIdentifierTypes, id.Type)
	}

	switch policy {
	case types.CollisionOverwrite:
		for _, enh := range incoming.Enhancements {
			cs.AddedEnhancementTypes = append(cs.AddedEnhancementTypes, enh.Content.Type)
		}
		existing.Enhancements = incoming.Enhancements

	case types.CollisionAppend:
		for _, enh := range incoming.Enhancements {
			existing.Enhancements = append(existing.Enhancements, enh)
			cs.AddedEnhancementTypes = append(cs.AddedEnhancementTypes, enh.Content.Type)
		}

	case types.CollisionMergeDefensive:
		held := enhancementKeys(existing)
		for _, enh := range incoming.Enhancements {
			if held[enh.Key()] {
				continue
			}
			existing.Enhancements = append(existing.Enhancements, enh)
			cs.AddedEnhancementTypes = append(cs.AddedEnhancementTypes, enh.Content.Type)
		}

	case types.CollisionMergeAggressive:
		for _, enh := range incoming.Enhancements {
			kept := existing.Enhancements[:0]
			for _, held := range existing.Enhancements {
				if held.Key() != enh.Key() {
					kept = append(kept, held)
				}
			}
			existing.Enhancements = append(kept, enh)
			cs.AddedEnhancementTypes = append(cs.AddedEnhancementTypes, enh.Content.Type)
		}

	default:
		return nil, types.InvalidPayloadError("unknown collision policy %q", policy)
	}

	existing.UpdatedAt = time.Now()
	if err := i.store.SaveReference(existing); err != nil {
		return nil, err
	}
	return cs, nil
}

func enhancementKeys(ref *types.Reference) map[string]bool {
	keys := make(map[string]bool, len(ref.Enhancements))
	for _, enh := range ref.Enhancements {
		keys[enh.Key()] = true
	}
	return keys
}

// Summary is the per-batch rollup reported to operators
type Summary struct {
	BatchID   uuid.UUID
	Status    types.ImportBatchStatus
	Succeeded int
	Failed    int
}

func (s Summary) String() string {
	return fmt.Sprintf("batch %s: %s (%d ok, %d failed)", s.BatchID, s.Status, s.Succeeded, s.Failed)
}

// Summarize recomputes a batch's rollup from its stored per-line results
func (i *Importer) Summarize(batchID uuid.UUID) (*Summary, error) {
	batch, err := i.store.GetImportBatch(batchID)
	if err != nil {
		return nil, err
	}
	results, err := i.store.ListImportResultsByBatch(batchID)
	if err != nil {
		return nil, err
	}
	s := &Summary{BatchID: batchID, Status: batch.Status}
	for _, r := range results {
		if r.Status.Succeeded() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s, nil
}
