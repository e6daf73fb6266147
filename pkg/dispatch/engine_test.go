package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny-evidence/destiny-repository/pkg/blob"
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func newTestEngine(t *testing.T) (*Engine, storage.Store, blob.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFileStore(t.TempDir(), []byte("test-signing-key"), time.Hour)
	require.NoError(t, err)

	cfg := config.Default().Dispatch
	return NewEngine(store, blobs, cfg), store, blobs
}

func seedRobot(t *testing.T, store storage.Store) *types.Robot {
	t.Helper()
	robot := &types.Robot{
		ID:               uuid.New(),
		Name:             "robot-" + uuid.NewString(),
		BaseURL:          "http://robot.local",
		ClientSecretHash: HashSecret("plaintext"),
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.CreateRobot(robot))
	return robot
}

func seedReference(t *testing.T, store storage.Store) *types.Reference {
	t.Helper()
	ref := &types.Reference{
		ID:         types.NewReferenceID(),
		Visibility: types.VisibilityPublic,
		Identifiers: []*types.Identifier{
			{ID: uuid.New(), Type: types.IdentifierOther, Value: uuid.NewString(), OtherName: "local"},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveReference(ref))
	return ref
}

func seedPending(t *testing.T, store storage.Store, robotID, refID uuid.UUID, priority int) *types.PendingEnhancement {
	t.Helper()
	p := &types.PendingEnhancement{
		ID:          uuid.New(),
		ReferenceID: refID,
		RobotID:     robotID,
		Source:      "test",
		Status:      types.PendingStatusPending,
		Priority:    priority,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreatePendingEnhancement(p))
	return p
}

func TestRequestBatchLeasesWork(t *testing.T) {
	engine, store, blobs := newTestEngine(t)
	robot := seedRobot(t, store)

	refs := make([]*types.Reference, 3)
	for i := range refs {
		refs[i] = seedReference(t, store)
		seedPending(t, store, robot.ID, refs[i].ID, 0)
	}

	lease, err := engine.RequestBatch(robot.ID, 2, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)

	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	assert.Len(t, batch.PendingIDs, 2)
	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatusProcessing, p.Status)
		require.NotNil(t, p.ExpiresAt)
	}

	// the reference artifact holds one wire reference per leased row
	rc, err := blobs.Open(batch.ReferenceFile)
	require.NoError(t, err)
	defer rc.Close()
	lines := 0
	require.NoError(t, blob.DecodeLines(rc, func(line int, data []byte) error {
		lines++
		return nil
	}))
	assert.Equal(t, 2, lines)

	// signed URLs verify for their intended methods
	key, err := blobs.VerifySignedURL(lease.ReferenceFileURL, "GET", time.Now())
	require.NoError(t, err)
	assert.Equal(t, batch.ReferenceFile, key)
	key, err = blobs.VerifySignedURL(lease.ResultFileURL, "PUT", time.Now())
	require.NoError(t, err)
	assert.Equal(t, batch.ResultFile, key)

	// second poll picks up the remainder, third finds nothing
	second, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	b2, err := store.GetRobotBatch(second.BatchID)
	require.NoError(t, err)
	assert.Len(t, b2.PendingIDs, 1)

	third, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestRequestBatchUnknownRobot(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.RequestBatch(uuid.New(), 10, 0)
	assert.True(t, types.IsNotFound(err))
}

func TestRequestBatchPriorityOrder(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)

	low := seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)
	high := seedPending(t, store, robot.ID, seedReference(t, store).ID, 10)

	lease, err := engine.RequestBatch(robot.ID, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	require.Len(t, batch.PendingIDs, 1)
	assert.Equal(t, high.ID, batch.PendingIDs[0])

	lowRow, err := store.GetPendingEnhancement(low.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusPending, lowRow.Status)
}

func TestLeaseClamping(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)

	cases := []struct {
		name      string
		requested time.Duration
		want      time.Duration
	}{
		{"zero gets the default", 0, 10 * time.Minute},
		{"below minimum clamps up", 10 * time.Second, time.Minute},
		{"above maximum clamps down", 100 * time.Hour, 2 * time.Hour},
		{"in range passes through", 30 * time.Minute, 30 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)
			before := time.Now()
			lease, err := engine.RequestBatch(robot.ID, 1, tc.requested)
			require.NoError(t, err)
			require.NotNil(t, lease)
			assert.WithinDuration(t, before.Add(tc.want), lease.ExpiresAt, 5*time.Second)
		})
	}
}

func TestRenewLeaseExtends(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)
	seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 1, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	newExpiry, err := engine.RenewLease(lease.BatchID, time.Hour)
	require.NoError(t, err)
	assert.True(t, newExpiry.After(lease.ExpiresAt))

	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	assert.Equal(t, newExpiry.Unix(), batch.ExpiresAt.Unix())
	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		require.NotNil(t, p.ExpiresAt)
		assert.Equal(t, newExpiry.Unix(), p.ExpiresAt.Unix())
	}
}

func TestRenewLeaseConflictsWhenNothingProcessing(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)
	seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// work raced to completion before the renewal arrived
	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		p.Status = types.PendingStatusCompleted
		p.ExpiresAt = nil
		require.NoError(t, store.UpdatePendingEnhancement(p))
	}

	_, err = engine.RenewLease(lease.BatchID, time.Minute)
	require.Error(t, err)
	assert.Equal(t, types.KindIntegrity, types.KindOf(err))
	assert.Contains(t, err.Error(), "This batch has no pending enhancements.")
}

func TestSubmitResultErrorFailsEverything(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)
	seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)
	seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, engine.SubmitResult(lease.BatchID, &Result{Error: "model crashed"}))

	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.RobotBatchFailed, batch.Status)
	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatusFailed, p.Status)
		assert.Nil(t, p.ExpiresAt)
	}

	// a settled batch refuses further submissions
	err = engine.SubmitResult(lease.BatchID, &Result{})
	assert.Equal(t, types.KindIntegrity, types.KindOf(err))
}

func resultLine(t *testing.T, refID uuid.UUID, abstract, errMsg string) map[string]any {
	t.Helper()
	line := map[string]any{"reference_id": refID}
	if errMsg != "" {
		line["error"] = errMsg
		return line
	}
	line["enhancement"] = map[string]any{
		"source":     "robot",
		"visibility": "public",
		"content": map[string]any{
			"enhancement_type": "abstract",
			"abstract":         abstract,
		},
	}
	return line
}

func TestSubmitAndImportResults(t *testing.T) {
	engine, store, blobs := newTestEngine(t)
	robot := seedRobot(t, store)

	refOK := seedReference(t, store)
	refBad := seedReference(t, store)
	seedPending(t, store, robot.ID, refOK.ID, 0)
	seedPending(t, store, robot.ID, refBad.ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)

	// the robot writes its result artifact: one success, one error
	rows := []any{
		resultLine(t, refOK.ID, "A newly minted abstract.", ""),
		resultLine(t, refBad.ID, "", "pdf not parseable"),
	}
	var buf bytes.Buffer
	require.NoError(t, blob.EncodeLines(&buf, rows))
	_, err = blobs.Put(batch.ResultFile, &buf)
	require.NoError(t, err)

	require.NoError(t, engine.SubmitResult(lease.BatchID, &Result{ResultURL: blobs.URL(batch.ResultFile)}))

	var updates []ReferenceUpdate
	require.NoError(t, engine.ImportResultArtifact(lease.BatchID, func(u ReferenceUpdate) error {
		updates = append(updates, u)
		return nil
	}))

	batch, err = store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.RobotBatchCompleted, batch.Status)

	byRef := map[uuid.UUID]types.PendingStatus{}
	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		byRef[p.ReferenceID] = p.Status
	}
	assert.Equal(t, types.PendingStatusCompleted, byRef[refOK.ID])
	assert.Equal(t, types.PendingStatusFailed, byRef[refBad.ID])

	updated, err := store.GetReference(refOK.ID)
	require.NoError(t, err)
	assert.Equal(t, "A newly minted abstract.", updated.Abstract())

	require.Len(t, updates, 1)
	assert.Equal(t, refOK.ID, updates[0].Reference.ID)
	require.NotNil(t, updates[0].Changeset)
	assert.Equal(t, []types.EnhancementType{types.EnhancementAbstract}, updates[0].Changeset.AddedEnhancementTypes)
}

func TestImportFailsRowsTheArtifactNeverMentioned(t *testing.T) {
	engine, store, blobs := newTestEngine(t)
	robot := seedRobot(t, store)
	seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)

	_, err = blobs.Put(batch.ResultFile, bytes.NewReader(nil))
	require.NoError(t, err)
	require.NoError(t, engine.SubmitResult(lease.BatchID, &Result{}))
	require.NoError(t, engine.ImportResultArtifact(lease.BatchID, nil))

	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatusFailed, p.Status)
	}
}

func TestImportSettlesEveryRowForAReference(t *testing.T) {
	engine, store, blobs := newTestEngine(t)
	robot := seedRobot(t, store)
	ref := seedReference(t, store)

	// two requests queued the same reference; one result line must settle both
	seedPending(t, store, robot.ID, ref.ID, 0)
	seedPending(t, store, robot.ID, ref.ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	require.Len(t, batch.PendingIDs, 2)

	var buf bytes.Buffer
	require.NoError(t, blob.EncodeLines(&buf, []any{resultLine(t, ref.ID, "One abstract for both.", "")}))
	_, err = blobs.Put(batch.ResultFile, &buf)
	require.NoError(t, err)

	require.NoError(t, engine.SubmitResult(lease.BatchID, &Result{}))
	var updates []ReferenceUpdate
	require.NoError(t, engine.ImportResultArtifact(lease.BatchID, func(u ReferenceUpdate) error {
		updates = append(updates, u)
		return nil
	}))

	batch, err = store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.RobotBatchCompleted, batch.Status)
	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatusCompleted, p.Status)
	}
	assert.Len(t, updates, 1)
}

func TestImportMarksRowsIndexingFailed(t *testing.T) {
	engine, store, blobs := newTestEngine(t)
	robot := seedRobot(t, store)
	ref := seedReference(t, store)
	seedPending(t, store, robot.ID, ref.ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, blob.EncodeLines(&buf, []any{resultLine(t, ref.ID, "An abstract.", "")}))
	_, err = blobs.Put(batch.ResultFile, &buf)
	require.NoError(t, err)

	require.NoError(t, engine.SubmitResult(lease.BatchID, &Result{}))
	require.NoError(t, engine.ImportResultArtifact(lease.BatchID, func(ReferenceUpdate) error {
		return types.NewError(types.KindProjection, "index write failed")
	}))

	// the enhancement landed but the projection chain did not
	batch, err = store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.RobotBatchCompleted, batch.Status)
	for _, id := range batch.PendingIDs {
		p, err := store.GetPendingEnhancement(id)
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatusIndexingFailed, p.Status)
	}
	updated, err := store.GetReference(ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "An abstract.", updated.Abstract())
}

func TestImportIsIdempotentOnSettledBatch(t *testing.T) {
	engine, store, blobs := newTestEngine(t)
	robot := seedRobot(t, store)
	ref := seedReference(t, store)
	seedPending(t, store, robot.ID, ref.ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	batch, err := store.GetRobotBatch(lease.BatchID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, blob.EncodeLines(&buf, []any{resultLine(t, ref.ID, "An abstract.", "")}))
	_, err = blobs.Put(batch.ResultFile, &buf)
	require.NoError(t, err)

	require.NoError(t, engine.SubmitResult(lease.BatchID, &Result{}))
	updates := 0
	count := func(ReferenceUpdate) error { updates++; return nil }
	require.NoError(t, engine.ImportResultArtifact(lease.BatchID, count))

	// a redelivered import task finds the batch settled and does nothing
	require.NoError(t, engine.ImportResultArtifact(lease.BatchID, count))
	assert.Equal(t, 1, updates)
}

func TestCreateRequestAndStatus(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)
	ref1 := seedReference(t, store)
	ref2 := seedReference(t, store)

	req := &types.EnhancementRequest{
		ID:           uuid.New(),
		ReferenceIDs: []uuid.UUID{ref1.ID, ref2.ID},
		RobotID:      robot.ID,
		Parameters:   json.RawMessage(`{}`),
		Source:       "api",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, engine.CreateRequest(req))

	status, err := engine.RequestStatus(req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestAccepted, status)

	rows, err := store.ListPendingByRequest(req.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		row.Status = types.PendingStatusCompleted
		require.NoError(t, store.UpdatePendingEnhancement(row))
	}

	status, err = engine.RequestStatus(req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestCompleted, status)
}

func TestCreateRequestRejectsUnknownReference(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)
	req := &types.EnhancementRequest{
		ID:           uuid.New(),
		ReferenceIDs: []uuid.UUID{uuid.New()},
		RobotID:      robot.ID,
		Source:       "api",
		CreatedAt:    time.Now(),
	}
	err := engine.CreateRequest(req)
	assert.True(t, types.IsNotFound(err))
}

func TestSweeperExpiresAndRetries(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)
	ref := seedReference(t, store)
	original := seedPending(t, store, robot.ID, ref.ID, 0)

	cfg := config.Default().Dispatch
	sweeper := NewSweeper(store, cfg)

	// lease then let it lapse, three retries deep
	current := original
	for round := 0; round < cfg.MaxRetryDepth; round++ {
		lease, err := engine.RequestBatch(robot.ID, 1, 0)
		require.NoError(t, err)
		require.NotNil(t, lease, "round %d should find the retry sibling", round)

		expired, err := sweeper.Sweep(time.Now().Add(24 * time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, expired)

		// the lapsed batch is expired too; a late renewal must conflict
		batch, err := store.GetRobotBatch(lease.BatchID)
		require.NoError(t, err)
		assert.Equal(t, types.RobotBatchExpired, batch.Status)
		_, err = engine.RenewLease(lease.BatchID, time.Minute)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrNoPendingWork)

		row, err := store.GetPendingEnhancement(current.ID)
		require.NoError(t, err)
		assert.Equal(t, types.PendingStatusExpired, row.Status)

		// the sibling points back at the row it replaces
		next := findRetrySibling(t, store, robot.ID, current.ID)
		require.NotNil(t, next)
		current = next
	}

	// the chain is now at max depth: one more expiry, no more siblings
	lease, err := engine.RequestBatch(robot.ID, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	expired, err := sweeper.Sweep(time.Now().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	final, err := engine.RequestBatch(robot.ID, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, final, "an exhausted chain must not respawn")
}

func findRetrySibling(t *testing.T, store storage.Store, robotID, retryOf uuid.UUID) *types.PendingEnhancement {
	t.Helper()
	leased, err := store.LeasePending(robotID, 100, time.Now().Add(time.Hour))
	require.NoError(t, err)
	var found *types.PendingEnhancement
	for _, p := range leased {
		// put them back; this helper only inspects
		if p.RetryOf != nil && *p.RetryOf == retryOf {
			found = p
		}
		p.Status = types.PendingStatusPending
		p.ExpiresAt = nil
		require.NoError(t, store.UpdatePendingEnhancement(p))
	}
	return found
}

func TestSweepIgnoresLiveLeases(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedRobot(t, store)
	seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)

	lease, err := engine.RequestBatch(robot.ID, 1, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, lease)

	sweeper := NewSweeper(store, config.Default().Dispatch)
	expired, err := sweeper.Sweep(time.Now())
	require.NoError(t, err)
	assert.Zero(t, expired)
}
