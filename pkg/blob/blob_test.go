package blob

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), []byte("test-signing-key"), time.Hour)
	require.NoError(t, err)
	return store
}

func TestPutOpenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	key := ArtifactKey("imports", uuid.New())

	n, err := store.Put(key, strings.NewReader("hello\nworld\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	rc, err := store.Open(key)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(data))

	exists, err := store.Exists(key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOpenMissingBlob(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open("imports/absent.ndjson")
	assert.True(t, types.IsNotFound(err))
}

func TestPathTraversalRejected(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put("../escape.ndjson", strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidPayload, types.KindOf(err))
}

func TestSignedURLRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	key := ArtifactKey("results", uuid.New())

	signed := store.SignURL(key, "PUT", now)

	got, err := store.VerifySignedURL(signed, "PUT", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestSignedURLRejections(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	key := ArtifactKey("results", uuid.New())
	signed := store.SignURL(key, "GET", now)

	t.Run("expired", func(t *testing.T) {
		_, err := store.VerifySignedURL(signed, "GET", now.Add(2*time.Hour))
		assert.Error(t, err)
	})

	t.Run("method mismatch", func(t *testing.T) {
		_, err := store.VerifySignedURL(signed, "PUT", now)
		assert.Error(t, err)
	})

	t.Run("tampered key", func(t *testing.T) {
		tampered := strings.Replace(signed, "results/", "robots/", 1)
		_, err := store.VerifySignedURL(tampered, "GET", now)
		assert.Error(t, err)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other, err := NewFileStore(t.TempDir(), []byte("different-key"), time.Hour)
		require.NoError(t, err)
		_, err = other.VerifySignedURL(signed, "GET", now)
		assert.Error(t, err)
	})
}

func TestKeyFromURL(t *testing.T) {
	store := newTestStore(t)
	key := "imports/abc.ndjson"

	got, err := KeyFromURL(store.URL(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = KeyFromURL("https://example.com/x")
	assert.Error(t, err)
}

func TestNDJSONRoundTrip(t *testing.T) {
	type row struct {
		N int `json:"n"`
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeLines(&buf, []any{row{1}, row{2}, row{3}}))

	var seen []int
	err := DecodeLines(&buf, func(line int, data []byte) error {
		var r row
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		assert.Equal(t, len(seen), line)
		seen = append(seen, r.N)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDecodeLinesRejectsBOM(t *testing.T) {
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"n":1}`)...)

	err := DecodeLines(bytes.NewReader(input), func(int, []byte) error { return nil })
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidPayload, types.KindOf(err))
}

func TestDecodeLinesSkipsBlankLines(t *testing.T) {
	input := "{\"n\":1}\n\n{\"n\":2}\n"

	var lines []int
	err := DecodeLines(strings.NewReader(input), func(line int, data []byte) error {
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	// ordinals are positional in the artifact, blank line still counts
	assert.Equal(t, []int{0, 2}, lines)
}
