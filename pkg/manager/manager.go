package manager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/blob"
	"github.com/destiny-evidence/destiny-repository/pkg/bus"
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/dedup"
	"github.com/destiny-evidence/destiny-repository/pkg/dispatch"
	"github.com/destiny-evidence/destiny-repository/pkg/events"
	"github.com/destiny-evidence/destiny-repository/pkg/importer"
	"github.com/destiny-evidence/destiny-repository/pkg/index"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/percolate"
	"github.com/destiny-evidence/destiny-repository/pkg/search"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// queue names for the task continuation chain
const (
	queueImportBatch     = "import.batch"
	queueReferenceChange = "reference.changed"
	queueRepairReference = "repair.reference"
	queueRobotImport     = "robot_batch.import"
)

const indexAlias = "references"

// Manager wires the repository components together and drives the
// per-reference continuation: ingest, deduplicate, project, percolate,
// emit robot work. Each link runs as a bus task so a failure retries
// without re-running the links before it.
type Manager struct {
	cfg *config.Config

	store      storage.Store
	blobs      blob.Store
	indexes    *index.Manager
	search     *search.Store
	importer   *importer.Importer
	dedup      *dedup.Engine
	percolator *percolate.Percolator
	dispatch   *dispatch.Engine
	sweeper    *dispatch.Sweeper
	notifier   *dispatch.Notifier
	bus        *bus.Bus
	events     *events.Broker

	started    bool
	repairStop chan struct{}
	repairDone chan struct{}
}

// New builds the full component graph under cfg.DataDir
func New(cfg *config.Config) (*Manager, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewFileStore(filepath.Join(cfg.DataDir, "blobs"),
		[]byte(cfg.Blob.SigningKey), cfg.Blob.URLTTL)
	if err != nil {
		store.Close()
		return nil, err
	}

	indexes, err := index.NewManager(filepath.Join(cfg.DataDir, "indexes"), indexAlias)
	if err != nil {
		store.Close()
		return nil, err
	}

	searchStore := search.NewStore(indexes.Guarded())
	dispatchEngine := dispatch.NewEngine(store, blobs, cfg.Dispatch)

	m := &Manager{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		indexes:    indexes,
		search:     searchStore,
		importer:   importer.New(store, blobs, cfg.Import),
		dedup:      dedup.NewEngine(store, searchStore, cfg.Dedup),
		percolator: percolate.New(store),
		dispatch:   dispatchEngine,
		sweeper:    dispatch.NewSweeper(store, cfg.Dispatch),
		notifier: dispatch.NewNotifier(store, dispatchEngine,
			dispatch.NewClient(cfg.Dispatch.RobotTimeout, uuid.New()), cfg.Dispatch),
		bus:        bus.New(cfg.Bus.LockDuration, cfg.Bus.Concurrency),
		events:     events.NewBroker(),
		repairStop: make(chan struct{}),
		repairDone: make(chan struct{}),
	}

	m.bus.Subscribe(queueImportBatch, m.handleImportBatch)
	m.bus.Subscribe(queueReferenceChange, m.handleReferenceChange)
	m.bus.Subscribe(queueRepairReference, m.handleRepairReference)
	m.bus.Subscribe(queueRobotImport, m.handleRobotImport)
	return m, nil
}

// Start launches the bus workers, the lease sweeper, the event broker,
// and the repair loop
func (m *Manager) Start() {
	m.started = true
	m.events.Start()
	m.bus.Start()
	m.sweeper.Start()
	m.notifier.Start()
	go m.repairLoop()
}

// Stop drains the workers in reverse order. Safe to call on a manager
// that was never started; one-shot CLI commands do that.
func (m *Manager) Stop() error {
	if m.started {
		close(m.repairStop)
		<-m.repairDone
		m.notifier.Stop()
		m.sweeper.Stop()
		m.bus.Stop()
		m.events.Stop()
	}
	if err := m.indexes.Close(); err != nil {
		return err
	}
	return m.store.Close()
}

// component accessors for the CLI and embedding callers

func (m *Manager) Store() storage.Store          { return m.store }
func (m *Manager) Blobs() blob.Store             { return m.blobs }
func (m *Manager) Search() *search.Store         { return m.search }
func (m *Manager) Indexes() *index.Manager       { return m.indexes }
func (m *Manager) Importer() *importer.Importer  { return m.importer }
func (m *Manager) Dispatch() *dispatch.Engine    { return m.dispatch }
func (m *Manager) Events() *events.Broker        { return m.events }

// --- ingest ---

type importBatchPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

type referenceChangePayload struct {
	ReferenceID uuid.UUID        `json:"reference_id"`
	Created     bool             `json:"created"`
	Changeset   *types.Changeset `json:"changeset"`
}

// EnqueueImport schedules a registered import batch for processing
func (m *Manager) EnqueueImport(batchID uuid.UUID) error {
	payload, err := json.Marshal(importBatchPayload{BatchID: batchID})
	if err != nil {
		return err
	}
	m.bus.Publish(&bus.Task{Queue: queueImportBatch, Payload: payload, RenewLock: true})
	return nil
}

func (m *Manager) handleImportBatch(ctx context.Context, d *bus.Delivery) error {
	var payload importBatchPayload
	if err := json.Unmarshal(d.Task.Payload, &payload); err != nil {
		return err
	}

	err := m.importer.ProcessBatch(payload.BatchID, func(in importer.Ingested) error {
		// artifacts can be long; keep the task lock alive between lines
		if err := d.RenewLock(); err != nil {
			return err
		}
		return m.enqueueReferenceChange(in.Reference.ID, in.Created, in.Changeset)
	})
	if err != nil {
		m.events.Emit(events.EventBatchFailed, "import batch failed",
			map[string]string{"batch_id": payload.BatchID.String()})
		if types.IsTransient(err) {
			return err
		}
		// the batch record already carries the failure; requeuing a
		// permanently broken batch would redeliver it forever
		logger := log.WithBatchID(payload.BatchID.String())
		logger.Warn().Err(err).Msg("import batch failed terminally")
		return nil
	}
	m.events.Emit(events.EventBatchCompleted, "import batch processed",
		map[string]string{"batch_id": payload.BatchID.String()})
	return nil
}

func (m *Manager) enqueueReferenceChange(refID uuid.UUID, created bool, cs *types.Changeset) error {
	payload, err := json.Marshal(referenceChangePayload{
		ReferenceID: refID,
		Created:     created,
		Changeset:   cs,
	})
	if err != nil {
		return err
	}
	m.bus.Publish(&bus.Task{Queue: queueReferenceChange, Payload: payload})
	return nil
}

// handleReferenceChange runs the post-ingest chain for one reference:
// deduplicate (which projects the cluster), percolate the change against
// the automation registry, and emit any matched robot work
func (m *Manager) handleReferenceChange(ctx context.Context, d *bus.Delivery) error {
	var payload referenceChangePayload
	if err := json.Unmarshal(d.Task.Payload, &payload); err != nil {
		return err
	}
	logger := log.WithReferenceID(payload.ReferenceID.String())

	ref, err := m.store.GetReference(payload.ReferenceID)
	if err != nil {
		if types.IsNotFound(err) {
			// resolved away as an exact duplicate between publish and delivery
			return nil
		}
		return err
	}

	decision, err := m.dedup.Deduplicate(ref)
	if err != nil {
		if types.IsTransient(err) {
			return err
		}
		// the authoritative write may have landed while the projection did
		// not; schedule repair rather than dropping the document on the floor
		logger.Warn().Err(err).Msg("deduplication failed, scheduling repair")
		m.enqueueRepair(ref.ID)
		return nil
	}

	m.events.Emit(events.EventDecisionActivated, "duplicate decision activated", map[string]string{
		"reference_id":  ref.ID.String(),
		"determination": string(decision.Determination),
	})
	if payload.Created {
		m.events.Emit(events.EventReferenceCreated, "reference ingested",
			map[string]string{"reference_id": ref.ID.String()})
	} else {
		m.events.Emit(events.EventReferenceMerged, "reference enriched",
			map[string]string{"reference_id": ref.ID.String()})
	}

	cs := payload.Changeset
	if cs == nil {
		cs = &types.Changeset{}
	}
	return m.percolateChange(ref, decision.Determination, cs)
}

// percolateChange matches one change against the automation registry and
// emits the matched robot work
func (m *Manager) percolateChange(ref *types.Reference, determination types.DuplicateDetermination, cs *types.Changeset) error {
	duplicates, err := m.loadDuplicates(ref.ID)
	if err != nil {
		return err
	}
	matches, err := m.percolator.Percolate([]percolate.Change{{
		ReferenceID: ref.ID,
		Doc:         percolate.BuildDoc(ref, duplicates, determination, cs),
	}})
	if err != nil {
		return err
	}
	created, err := m.percolator.EmitPending(matches)
	if err != nil {
		return err
	}
	if created > 0 {
		logger := log.WithReferenceID(ref.ID.String())
		logger.Info().Int("emitted", created).Msg("automation work emitted")
	}
	return nil
}

func (m *Manager) loadDuplicates(canonicalID uuid.UUID) ([]*types.Reference, error) {
	ids, err := m.store.ListDuplicatesOf(canonicalID)
	if err != nil {
		return nil, err
	}
	refs := make([]*types.Reference, 0, len(ids))
	for _, id := range ids {
		ref, err := m.store.GetReference(id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// --- robot dispatch ---

// ImportRobotResults schedules consumption of a submitted result artifact
func (m *Manager) ImportRobotResults(batchID uuid.UUID) error {
	payload, err := json.Marshal(importBatchPayload{BatchID: batchID})
	if err != nil {
		return err
	}
	m.bus.Publish(&bus.Task{Queue: queueRobotImport, Payload: payload, RenewLock: true})
	return nil
}

func (m *Manager) handleRobotImport(ctx context.Context, d *bus.Delivery) error {
	var payload importBatchPayload
	if err := json.Unmarshal(d.Task.Payload, &payload); err != nil {
		return err
	}
	err := m.dispatch.ImportResultArtifact(payload.BatchID, func(u dispatch.ReferenceUpdate) error {
		if err := d.RenewLock(); err != nil {
			return err
		}
		return m.enqueueReferenceChange(u.Reference.ID, false, u.Changeset)
	})
	if err != nil {
		if types.IsTransient(err) {
			return err
		}
		logger := log.WithBatchID(payload.BatchID.String())
		logger.Warn().Err(err).Msg("robot result import failed terminally")
		return nil
	}
	return nil
}

// --- repair ---

type repairPayload struct {
	ReferenceID uuid.UUID `json:"reference_id"`
}

func (m *Manager) enqueueRepair(refID uuid.UUID) {
	payload, err := json.Marshal(repairPayload{ReferenceID: refID})
	if err != nil {
		return
	}
	m.bus.Publish(&bus.Task{Queue: queueRepairReference, Payload: payload, Delay: time.Second})
}

func (m *Manager) handleRepairReference(ctx context.Context, d *bus.Delivery) error {
	var payload repairPayload
	if err := json.Unmarshal(d.Task.Payload, &payload); err != nil {
		return err
	}
	return m.repairReference(payload.ReferenceID)
}

// repairReference reprojects the cluster a reference belongs to
func (m *Manager) repairReference(refID uuid.UUID) error {
	canonicalID := refID
	decision, err := m.store.GetActiveDecision(refID)
	if err == nil && decision.Determination == types.DeterminationDuplicate &&
		decision.CanonicalReferenceID != nil {
		canonicalID = *decision.CanonicalReferenceID
		// a shadowed duplicate holds no document of its own
		if err := m.search.Delete(refID.String()); err != nil {
			return err
		}
	} else if err != nil && !types.IsNotFound(err) {
		return err
	}
	return m.dedup.ProjectCluster(canonicalID)
}

func (m *Manager) repairLoop() {
	defer close(m.repairDone)
	logger := log.WithComponent("repair")
	ticker := time.NewTicker(m.cfg.Repair.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.RunRepair(); err != nil {
				logger.Error().Err(err).Msg("repair cycle failed")
			}
		case <-m.repairStop:
			return
		}
	}
}

// RepairReport summarizes one reconcile cycle
type RepairReport struct {
	Walked      int
	Reprojected int
	Orphans     int
}

// RunRepair reconciles the search store against the authoritative store:
// every live cluster is reprojected and documents with no backing
// reference are deleted. Also runs one-shot after an index rebuild.
func (m *Manager) RunRepair() (*RepairReport, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RepairDuration)

	report := &RepairReport{}
	live := make(map[string]bool)

	err := m.store.WalkReferences(func(ref *types.Reference) error {
		report.Walked++
		decision, err := m.store.GetActiveDecision(ref.ID)
		if err != nil && !types.IsNotFound(err) {
			return err
		}
		if err == nil && decision.Determination == types.DeterminationDuplicate {
			// shadowed by its canonical's cluster document
			return nil
		}
		live[ref.ID.String()] = true
		if err := m.dedup.ProjectCluster(ref.ID); err != nil {
			return err
		}
		report.Reprojected++
		return nil
	})
	if err != nil {
		return nil, err
	}

	var orphans []string
	err = m.search.WalkIDs(func(id string) error {
		if !live[id] {
			orphans = append(orphans, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range orphans {
		if err := m.search.Delete(id); err != nil {
			return nil, err
		}
		report.Orphans++
	}

	metrics.RepairCyclesTotal.Inc()
	if report.Orphans > 0 {
		m.events.Emit(events.EventIndexRepaired, "orphan documents removed",
			map[string]string{"orphans": strconv.Itoa(report.Orphans)})
	}
	logger := log.WithComponent("repair")
	logger.Info().
		Int("walked", report.Walked).Int("reprojected", report.Reprojected).
		Int("orphans", report.Orphans).Msg("repair cycle complete")
	return report, nil
}

// --- index lifecycle ---

// MigrateIndex builds the next index version, copies every document, and
// atomically swaps the alias
func (m *Manager) MigrateIndex() (string, error) {
	name, err := m.indexes.Migrate()
	if err != nil {
		return "", err
	}
	m.events.Emit(events.EventIndexMigrated, "index migrated", map[string]string{"index": name})
	return name, nil
}

// RollbackIndex points the alias back at a retired version
func (m *Manager) RollbackIndex(version int) error {
	return m.indexes.Rollback(version)
}

// RebuildIndex recreates the current index empty and reprojects the
// entire corpus from the authoritative store
func (m *Manager) RebuildIndex() (*RepairReport, error) {
	if err := m.indexes.Rebuild(); err != nil {
		return nil, err
	}
	return m.RunRepair()
}

// --- health ---

// Health is the liveness snapshot for the serve loop
type Health struct {
	StoreOK      bool   `json:"store_ok"`
	IndexOK      bool   `json:"index_ok"`
	CurrentIndex string `json:"current_index"`
	Documents    uint64 `json:"documents"`
	BusDepth     int    `json:"bus_depth"`
}

// CheckHealth probes the store and the index alias
func (m *Manager) CheckHealth() *Health {
	h := &Health{
		CurrentIndex: m.indexes.CurrentIndex(),
		BusDepth:     m.bus.Depth(),
	}
	if err := m.store.WalkReferences(func(*types.Reference) error { return errStopWalk }); err == nil || err == errStopWalk {
		h.StoreOK = true
	}
	if count, err := m.search.Count(); err == nil {
		h.IndexOK = true
		h.Documents = count
	}
	return h
}

var errStopWalk = types.NewError(types.KindUnitOfWork, "stop")
