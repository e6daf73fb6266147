package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny-evidence/destiny-repository/pkg/acl"
	"github.com/destiny-evidence/destiny-repository/pkg/config"
	"github.com/destiny-evidence/destiny-repository/pkg/storage"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

func newTestNotifier(t *testing.T, engine *Engine, store storage.Store) *Notifier {
	t.Helper()
	return NewNotifier(store, engine, NewClient(time.Second, uuid.New()), config.Default().Dispatch)
}

func seedCallbackRobot(t *testing.T, store storage.Store, baseURL string) *types.Robot {
	t.Helper()
	robot := &types.Robot{
		ID:               uuid.New(),
		Name:             "robot-" + uuid.NewString(),
		BaseURL:          baseURL,
		ClientSecretHash: HashSecret("plaintext"),
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.CreateRobot(robot))
	return robot
}

func TestNotifierPushesSignedBatch(t *testing.T) {
	engine, store, blobs := newTestEngine(t)

	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	robot := seedCallbackRobot(t, store, srv.URL)
	ref := seedReference(t, store)
	seedPending(t, store, robot.ID, ref.ID, 0)

	notifier := newTestNotifier(t, engine, store)
	notified, err := notifier.Notify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	require.NoError(t, VerifySignature(gotHeader, gotBody, SigningKey(robot), time.Now()))

	var wire acl.RobotBatchRequestWire
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	batch, err := store.GetRobotBatch(wire.ID)
	require.NoError(t, err)
	assert.Len(t, batch.PendingIDs, 1)

	// the pushed URLs are usable by the robot for their intended methods
	_, err = blobs.VerifySignedURL(wire.ReferenceStorageURL, "GET", time.Now())
	require.NoError(t, err)
	_, err = blobs.VerifySignedURL(wire.ResultStorageURL, "PUT", time.Now())
	require.NoError(t, err)
}

func TestNotifierSkipsPullOnlyRobots(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedCallbackRobot(t, store, "")
	seedPending(t, store, robot.ID, seedReference(t, store).ID, 0)

	notifier := newTestNotifier(t, engine, store)
	notified, err := notifier.Notify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, notified)

	// the work is still there for the robot to poll
	lease, err := engine.RequestBatch(robot.ID, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestNotifierRejectionFailsBatch(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown batch shape", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	robot := seedCallbackRobot(t, store, srv.URL)
	ref := seedReference(t, store)
	pending := seedPending(t, store, robot.ID, ref.ID, 0)

	notifier := newTestNotifier(t, engine, store)
	notified, err := notifier.Notify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, notified)

	row, err := store.GetPendingEnhancement(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusFailed, row.Status)
}

func TestNotifierLeavesLeaseWhenUnreachable(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	robot := seedCallbackRobot(t, store, "http://127.0.0.1:1")
	ref := seedReference(t, store)
	pending := seedPending(t, store, robot.ID, ref.ID, 0)

	notifier := newTestNotifier(t, engine, store)
	notified, err := notifier.Notify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, notified)

	// the lease stands; the sweeper reclaims it when it lapses
	row, err := store.GetPendingEnhancement(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusProcessing, row.Status)
	assert.NotNil(t, row.ExpiresAt)
}
