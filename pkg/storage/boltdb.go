package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

var (
	// Bucket names
	bucketReferences      = []byte("references")
	bucketIdentifierIndex = []byte("identifier_index")
	bucketImportRecords   = []byte("import_records")
	bucketImportBatches   = []byte("import_batches")
	bucketImportResults   = []byte("import_results")
	bucketRequests        = []byte("enhancement_requests")
	bucketPending         = []byte("pending_enhancements")
	bucketRobotBatches    = []byte("robot_batches")
	bucketRobots          = []byte("robots")
	bucketRobotNameIndex  = []byte("robot_name_index")
	bucketAutomations     = []byte("robot_automations")
	bucketDecisions       = []byte("decisions")
	bucketActiveDecisions = []byte("active_decisions")
	bucketDuplicateSets   = []byte("duplicate_sets")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "repository.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketReferences,
			bucketIdentifierIndex,
			bucketImportRecords,
			bucketImportBatches,
			bucketImportResults,
			bucketRequests,
			bucketPending,
			bucketRobotBatches,
			bucketRobots,
			bucketRobotNameIndex,
			bucketAutomations,
			bucketDecisions,
			bucketActiveDecisions,
			bucketDuplicateSets,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- References ---

// SaveReference upserts a reference and maintains the identifier index.
// An identifier key already claimed by a different reference is an
// integrity violation; callers treat it as a transient retry signal because
// it usually means a concurrent insert on the same identifier.
func (s *BoltStore) SaveReference(ref *types.Reference) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdentifierIndex)
		for _, ident := range ref.Identifiers {
			key := []byte(ident.Key())
			if owner := idx.Get(key); owner != nil && string(owner) != ref.ID.String() {
				return types.IntegrityError("identifier %s already belongs to reference %s", ident.Key(), owner)
			}
		}
		for _, ident := range ref.Identifiers {
			if err := idx.Put([]byte(ident.Key()), []byte(ref.ID.String())); err != nil {
				return err
			}
		}

		data, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReferences).Put([]byte(ref.ID.String()), data)
	})
}

// GetReference retrieves a reference by id
func (s *BoltStore) GetReference(id uuid.UUID) (*types.Reference, error) {
	var ref types.Reference
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReferences).Get([]byte(id.String()))
		if data == nil {
			return types.NotFoundError("reference not found: %s", id)
		}
		return json.Unmarshal(data, &ref)
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// FindReferenceByIdentifier resolves a reference through the identifier
// tuple key (type|value|other_name)
func (s *BoltStore) FindReferenceByIdentifier(key string) (*types.Reference, error) {
	var ref types.Reference
	err := s.db.View(func(tx *bolt.Tx) error {
		owner := tx.Bucket(bucketIdentifierIndex).Get([]byte(key))
		if owner == nil {
			return types.NotFoundError("no reference with identifier %s", key)
		}
		data := tx.Bucket(bucketReferences).Get(owner)
		if data == nil {
			return types.NotFoundError("identifier index points at missing reference %s", owner)
		}
		return json.Unmarshal(data, &ref)
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// WalkReferences visits every reference; used by repair and reindex
func (s *BoltStore) WalkReferences(fn func(*types.Reference) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReferences).ForEach(func(k, v []byte) error {
			var ref types.Reference
			if err := json.Unmarshal(v, &ref); err != nil {
				return err
			}
			return fn(&ref)
		})
	})
}

// --- Import lifecycle ---

func (s *BoltStore) CreateImportRecord(rec *types.ImportRecord) error {
	return s.putJSON(bucketImportRecords, rec.ID.String(), rec)
}

func (s *BoltStore) GetImportRecord(id uuid.UUID) (*types.ImportRecord, error) {
	var rec types.ImportRecord
	if err := s.getJSON(bucketImportRecords, id.String(), &rec, "import record"); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) CreateImportBatch(batch *types.ImportBatch) error {
	return s.putJSON(bucketImportBatches, batch.ID.String(), batch)
}

func (s *BoltStore) GetImportBatch(id uuid.UUID) (*types.ImportBatch, error) {
	var batch types.ImportBatch
	if err := s.getJSON(bucketImportBatches, id.String(), &batch, "import batch"); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BoltStore) UpdateImportBatch(batch *types.ImportBatch) error {
	return s.putJSON(bucketImportBatches, batch.ID.String(), batch)
}

func (s *BoltStore) ListImportBatchesByRecord(recordID uuid.UUID) ([]*types.ImportBatch, error) {
	var batches []*types.ImportBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImportBatches).ForEach(func(k, v []byte) error {
			var batch types.ImportBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if batch.RecordID == recordID {
				batches = append(batches, &batch)
			}
			return nil
		})
	})
	return batches, err
}

// CreateImportResult records a per-line outcome. The key embeds the line
// ordinal so results scan in line order.
func (s *BoltStore) CreateImportResult(res *types.ImportResult) error {
	key := fmt.Sprintf("%s/%08d", res.BatchID, res.Line)
	return s.putJSON(bucketImportResults, key, res)
}

func (s *BoltStore) ListImportResultsByBatch(batchID uuid.UUID) ([]*types.ImportResult, error) {
	var results []*types.ImportResult
	prefix := []byte(batchID.String() + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketImportResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var res types.ImportResult
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			results = append(results, &res)
		}
		return nil
	})
	return results, err
}

// --- Enhancement requests and pending work ---

func (s *BoltStore) CreateEnhancementRequest(req *types.EnhancementRequest) error {
	return s.putJSON(bucketRequests, req.ID.String(), req)
}

func (s *BoltStore) GetEnhancementRequest(id uuid.UUID) (*types.EnhancementRequest, error) {
	var req types.EnhancementRequest
	if err := s.getJSON(bucketRequests, id.String(), &req, "enhancement request"); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *BoltStore) CreatePendingEnhancement(p *types.PendingEnhancement) error {
	return s.putJSON(bucketPending, p.ID.String(), p)
}

// EmitPendingEnhancement inserts pending work unless live work already
// exists for the same (robot, reference). Returns whether a row was created.
func (s *BoltStore) EmitPendingEnhancement(p *types.PendingEnhancement) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		var exists bool
		err := b.ForEach(func(k, v []byte) error {
			var row types.PendingEnhancement
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.RobotID == p.RobotID && row.ReferenceID == p.ReferenceID &&
				(row.Status == types.PendingStatusPending || row.Status == types.PendingStatusProcessing) {
				exists = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		created = true
		return b.Put([]byte(p.ID.String()), data)
	})
	return created, err
}

func (s *BoltStore) GetPendingEnhancement(id uuid.UUID) (*types.PendingEnhancement, error) {
	var p types.PendingEnhancement
	if err := s.getJSON(bucketPending, id.String(), &p, "pending enhancement"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) UpdatePendingEnhancement(p *types.PendingEnhancement) error {
	return s.putJSON(bucketPending, p.ID.String(), p)
}

func (s *BoltStore) ListPendingByRequest(requestID uuid.UUID) ([]*types.PendingEnhancement, error) {
	var rows []*types.PendingEnhancement
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var row types.PendingEnhancement
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.RequestID != nil && *row.RequestID == requestID {
				rows = append(rows, &row)
			}
			return nil
		})
	})
	return rows, err
}

// LeasePending atomically selects up to limit pending rows for a robot,
// ordered by (priority desc, created_at asc), and transitions them to
// processing with the given lease. BoltDB serializes writers, so concurrent
// pollers from the same robot cannot double-lease a row: the loser of the
// race sees zero pending rows.
func (s *BoltStore) LeasePending(robotID uuid.UUID, limit int, expiresAt time.Time) ([]*types.PendingEnhancement, error) {
	var leased []*types.PendingEnhancement
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)

		var candidates []*types.PendingEnhancement
		err := b.ForEach(func(k, v []byte) error {
			var row types.PendingEnhancement
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.RobotID == robotID && row.Status == types.PendingStatusPending {
				candidates = append(candidates, &row)
			}
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
			}
			return candidates[i].ID.String() < candidates[j].ID.String()
		})

		if len(candidates) > limit {
			candidates = candidates[:limit]
		}

		for _, row := range candidates {
			row.Status = types.PendingStatusProcessing
			lease := expiresAt
			row.ExpiresAt = &lease
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(row.ID.String()), data); err != nil {
				return err
			}
			leased = append(leased, row)
		}
		return nil
	})
	return leased, err
}

// ListExpiredPending returns leased rows whose lease has lapsed
func (s *BoltStore) ListExpiredPending(now time.Time) ([]*types.PendingEnhancement, error) {
	var rows []*types.PendingEnhancement
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var row types.PendingEnhancement
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Status.Leased() && row.ExpiresAt != nil && row.ExpiresAt.Before(now) {
				rows = append(rows, &row)
			}
			return nil
		})
	})
	return rows, err
}

// RetryDepth counts the retry_of chain above the given row. The chain is
// resolved through the id arena, never through pointers; a corrupt cycle
// surfaces as an integrity error instead of an infinite walk.
func (s *BoltStore) RetryDepth(id uuid.UUID) (int, error) {
	depth := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		seen := map[uuid.UUID]bool{}
		current := id
		for {
			if seen[current] {
				return types.IntegrityError("retry chain cycle at %s", current)
			}
			seen[current] = true

			data := b.Get([]byte(current.String()))
			if data == nil {
				return types.NotFoundError("pending enhancement not found: %s", current)
			}
			var row types.PendingEnhancement
			if err := json.Unmarshal(data, &row); err != nil {
				return err
			}
			if row.RetryOf == nil {
				return nil
			}
			depth++
			current = *row.RetryOf
		}
	})
	if err != nil {
		return 0, err
	}
	return depth, nil
}

// --- Robot enhancement batches ---

func (s *BoltStore) CreateRobotBatch(b *types.RobotEnhancementBatch) error {
	return s.putJSON(bucketRobotBatches, b.ID.String(), b)
}

func (s *BoltStore) GetRobotBatch(id uuid.UUID) (*types.RobotEnhancementBatch, error) {
	var b types.RobotEnhancementBatch
	if err := s.getJSON(bucketRobotBatches, id.String(), &b, "robot enhancement batch"); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) UpdateRobotBatch(b *types.RobotEnhancementBatch) error {
	return s.putJSON(bucketRobotBatches, b.ID.String(), b)
}

// ListExpiredRobotBatches returns non-terminal batches whose lease lapsed
func (s *BoltStore) ListExpiredRobotBatches(now time.Time) ([]*types.RobotEnhancementBatch, error) {
	var batches []*types.RobotEnhancementBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRobotBatches).ForEach(func(k, v []byte) error {
			var b types.RobotEnhancementBatch
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if !b.Status.Terminal() && b.ExpiresAt.Before(now) {
				batches = append(batches, &b)
			}
			return nil
		})
	})
	return batches, err
}

// --- Robots and automations ---

// CreateRobot inserts a robot, enforcing name uniqueness
func (s *BoltStore) CreateRobot(robot *types.Robot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketRobotNameIndex)
		if owner := names.Get([]byte(robot.Name)); owner != nil {
			return types.IntegrityError("robot name already registered: %s", robot.Name)
		}
		if err := names.Put([]byte(robot.Name), []byte(robot.ID.String())); err != nil {
			return err
		}
		data, err := json.Marshal(robot)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRobots).Put([]byte(robot.ID.String()), data)
	})
}

func (s *BoltStore) GetRobot(id uuid.UUID) (*types.Robot, error) {
	var robot types.Robot
	if err := s.getJSON(bucketRobots, id.String(), &robot, "robot"); err != nil {
		return nil, err
	}
	return &robot, nil
}

func (s *BoltStore) GetRobotByName(name string) (*types.Robot, error) {
	var robot types.Robot
	err := s.db.View(func(tx *bolt.Tx) error {
		owner := tx.Bucket(bucketRobotNameIndex).Get([]byte(name))
		if owner == nil {
			return types.NotFoundError("robot not found: %s", name)
		}
		data := tx.Bucket(bucketRobots).Get(owner)
		if data == nil {
			return types.NotFoundError("robot name index points at missing robot %s", owner)
		}
		return json.Unmarshal(data, &robot)
	})
	if err != nil {
		return nil, err
	}
	return &robot, nil
}

func (s *BoltStore) ListRobots() ([]*types.Robot, error) {
	var robots []*types.Robot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRobots).ForEach(func(k, v []byte) error {
			var robot types.Robot
			if err := json.Unmarshal(v, &robot); err != nil {
				return err
			}
			robots = append(robots, &robot)
			return nil
		})
	})
	return robots, err
}

func (s *BoltStore) CreateRobotAutomation(a *types.RobotAutomation) error {
	return s.putJSON(bucketAutomations, a.ID.String(), a)
}

func (s *BoltStore) ListRobotAutomations() ([]*types.RobotAutomation, error) {
	var automations []*types.RobotAutomation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).ForEach(func(k, v []byte) error {
			var a types.RobotAutomation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			automations = append(automations, &a)
			return nil
		})
	})
	return automations, err
}

func (s *BoltStore) DeleteRobotAutomation(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).Delete([]byte(id.String()))
	})
}

// --- Duplicate decisions ---

// ActivateDecision inserts a decision row as the active one for its
// reference and deactivates all prior rows, in a single transaction. It
// also maintains the canonical → duplicates set used to build merged
// projections, and verifies that a duplicate's canonical holds an active
// canonical decision at this instant.
func (s *BoltStore) ActivateDecision(d *types.ReferenceDuplicateDecision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		decisions := tx.Bucket(bucketDecisions)
		active := tx.Bucket(bucketActiveDecisions)
		dupSets := tx.Bucket(bucketDuplicateSets)

		if d.Determination == types.DeterminationDuplicate {
			if d.CanonicalReferenceID == nil {
				return types.IntegrityError("duplicate decision for %s has no canonical", d.ReferenceID)
			}
			canonical, err := activeDecision(tx, *d.CanonicalReferenceID)
			if err != nil {
				return err
			}
			if canonical == nil || canonical.Determination != types.DeterminationCanonical {
				return types.IntegrityError("canonical %s of %s has no active canonical decision",
					d.CanonicalReferenceID, d.ReferenceID)
			}
		}

		// Deactivate the prior active row and unlink its canonical set entry
		if prev, err := activeDecision(tx, d.ReferenceID); err != nil {
			return err
		} else if prev != nil {
			prev.Active = false
			data, err := json.Marshal(prev)
			if err != nil {
				return err
			}
			if err := decisions.Put([]byte(prev.ID.String()), data); err != nil {
				return err
			}
			if prev.Determination == types.DeterminationDuplicate && prev.CanonicalReferenceID != nil {
				if err := removeFromSet(dupSets, *prev.CanonicalReferenceID, d.ReferenceID); err != nil {
					return err
				}
			}
		}

		d.Active = true
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := decisions.Put([]byte(d.ID.String()), data); err != nil {
			return err
		}
		if err := active.Put([]byte(d.ReferenceID.String()), []byte(d.ID.String())); err != nil {
			return err
		}

		if d.Determination == types.DeterminationDuplicate {
			return addToSet(dupSets, *d.CanonicalReferenceID, d.ReferenceID)
		}
		return nil
	})
}

// GetActiveDecision returns the single active decision for a reference
func (s *BoltStore) GetActiveDecision(referenceID uuid.UUID) (*types.ReferenceDuplicateDecision, error) {
	var decision *types.ReferenceDuplicateDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		d, err := activeDecision(tx, referenceID)
		if err != nil {
			return err
		}
		if d == nil {
			return types.NotFoundError("no active decision for reference %s", referenceID)
		}
		decision = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (s *BoltStore) ListDecisionsByReference(referenceID uuid.UUID) ([]*types.ReferenceDuplicateDecision, error) {
	var rows []*types.ReferenceDuplicateDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDecisions).ForEach(func(k, v []byte) error {
			var d types.ReferenceDuplicateDecision
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.ReferenceID == referenceID {
				rows = append(rows, &d)
			}
			return nil
		})
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, err
}

// ListDuplicatesOf returns the reference ids whose active decision points
// at the given canonical
func (s *BoltStore) ListDuplicatesOf(canonicalID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDuplicateSets).Get([]byte(canonicalID.String()))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ids)
	})
	return ids, err
}

// --- helpers ---

func (s *BoltStore) putJSON(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) getJSON(bucket []byte, key string, v any, what string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return types.NotFoundError("%s not found: %s", what, key)
		}
		return json.Unmarshal(data, v)
	})
}

func activeDecision(tx *bolt.Tx, referenceID uuid.UUID) (*types.ReferenceDuplicateDecision, error) {
	id := tx.Bucket(bucketActiveDecisions).Get([]byte(referenceID.String()))
	if id == nil {
		return nil, nil
	}
	data := tx.Bucket(bucketDecisions).Get(id)
	if data == nil {
		return nil, types.IntegrityError("active decision index points at missing row %s", id)
	}
	var d types.ReferenceDuplicateDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func addToSet(b *bolt.Bucket, canonical, member uuid.UUID) error {
	var ids []uuid.UUID
	if data := b.Get([]byte(canonical.String())); data != nil {
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if id == member {
			return nil
		}
	}
	ids = append(ids, member)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return b.Put([]byte(canonical.String()), data)
}

func removeFromSet(b *bolt.Bucket, canonical, member uuid.UUID) error {
	data := b.Get([]byte(canonical.String()))
	if data == nil {
		return nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != member {
			kept = append(kept, id)
		}
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return b.Put([]byte(canonical.String()), out)
}
