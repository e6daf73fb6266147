package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Scheme is the URL scheme for blob storage keys
const Scheme = "blob"

// Store abstracts the blob backend. Implemented by FileStore; the key and
// signed-URL contract is what robots and the import pipeline depend on,
// not the backend.
type Store interface {
	Put(key string, r io.Reader) (int64, error)
	Open(key string) (io.ReadCloser, error)
	Exists(key string) (bool, error)
	URL(key string) string
	SignURL(key, method string, now time.Time) string
	VerifySignedURL(raw, method string, now time.Time) (string, error)
}

// ArtifactKey names an NDJSON artifact: <kind>/<id>.ndjson
func ArtifactKey(kind string, id uuid.UUID) string {
	return kind + "/" + id.String() + ".ndjson"
}

// FileStore is a filesystem-backed blob store
type FileStore struct {
	root       string
	signingKey []byte
	ttl        time.Duration
}

// NewFileStore creates a blob store rooted at dir. signingKey drives the
// HMAC on signed URLs; ttl is the signed-URL validity window.
func NewFileStore(dir string, signingKey []byte, ttl time.Duration) (*FileStore, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("blob store requires a signing key")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FileStore{root: dir, signingKey: signingKey, ttl: ttl}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", types.InvalidPayloadError("invalid blob key: %s", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put streams content into the blob, atomically via rename
func (s *FileStore) Put(key string, r io.Reader) (int64, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), path)
}

// Open streams the blob content
func (s *FileStore) Open(key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, types.NotFoundError("blob not found: %s", key)
	}
	return f, err
}

// Exists reports whether the blob is present
func (s *FileStore) Exists(key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// URL returns the unsigned storage URL for a key
func (s *FileStore) URL(key string) string {
	return Scheme + "://" + key
}

// KeyFromURL extracts the blob key from a storage URL
func KeyFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != Scheme {
		return "", types.InvalidPayloadError("not a blob storage url: %s", raw)
	}
	key := u.Host + u.Path
	if key == "" {
		return "", types.InvalidPayloadError("empty blob key in url: %s", raw)
	}
	return key, nil
}

// SignURL issues a time-scoped signed URL for a key. The signature is
// HMAC-SHA256 over "<key>\n<method>\n<expires>".
func (s *FileStore) SignURL(key, method string, now time.Time) string {
	expires := now.Add(s.ttl).Unix()
	sig := s.sign(key, method, expires)
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)
	return s.URL(key) + "?" + q.Encode()
}

// VerifySignedURL checks signature, method, and expiry, returning the key
func (s *FileStore) VerifySignedURL(raw, method string, now time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != Scheme {
		return "", types.InvalidPayloadError("not a blob storage url: %s", raw)
	}
	key := u.Host + u.Path

	q := u.Query()
	if q.Get("method") != method {
		return "", types.InvalidPayloadError("signed url method mismatch")
	}
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return "", types.InvalidPayloadError("signed url has no expiry")
	}
	if now.Unix() > expires {
		return "", types.InvalidPayloadError("signed url expired")
	}
	expected := s.sign(key, method, expires)
	if !hmac.Equal([]byte(expected), []byte(q.Get("sig"))) {
		return "", types.InvalidPayloadError("signed url signature mismatch")
	}
	return key, nil
}

func (s *FileStore) sign(key, method string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s\n%s\n%d", key, method, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
