package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/acl"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// maxClockSkew is the verification window around a request timestamp
const maxClockSkew = 5 * time.Minute

// Client calls robot endpoints. Every request is signed with the robot's
// secret digest; the robot derives the same key from its plaintext secret,
// so the plaintext never rests on this side.
type Client struct {
	httpClient *http.Client
	clientID   uuid.UUID
}

// NewClient creates a robot client with an explicit timeout
func NewClient(timeout time.Duration, clientID uuid.UUID) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		clientID:   clientID,
	}
}

// Sign computes the request signature: HMAC-SHA256 over "<timestamp>.<body>"
func Sign(key []byte, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest attaches the signature headers to an outbound request
func SignRequest(req *http.Request, clientID uuid.UUID, key []byte, body []byte, now time.Time) {
	ts := now.Unix()
	req.Header.Set("Authorization", "Signature "+Sign(key, ts, body))
	req.Header.Set("X-Client-Id", clientID.String())
	req.Header.Set("X-Request-Timestamp", strconv.FormatInt(ts, 10))
}

// VerifySignature checks an inbound request's signature headers against the
// shared key, allowing bounded clock skew
func VerifySignature(header http.Header, body []byte, key []byte, now time.Time) error {
	auth := header.Get("Authorization")
	sig, ok := strings.CutPrefix(auth, "Signature ")
	if !ok {
		return types.InvalidPayloadError("missing signature authorization")
	}
	ts, err := strconv.ParseInt(header.Get("X-Request-Timestamp"), 10, 64)
	if err != nil {
		return types.InvalidPayloadError("missing or malformed request timestamp")
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(maxClockSkew.Seconds()) {
		return types.InvalidPayloadError("request timestamp outside the allowed clock skew")
	}
	expected := Sign(key, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return types.InvalidPayloadError("request signature mismatch")
	}
	return nil
}

// SigningKey derives the request-signing key from a robot's stored secret
// digest
func SigningKey(robot *types.Robot) []byte {
	return []byte(robot.ClientSecretHash)
}

// NotifyBatch tells a robot a batch is ready: 202 accepts, 4xx is a
// permanent rejection, 5xx and transport failures are transient
func (c *Client) NotifyBatch(ctx context.Context, robot *types.Robot, req *acl.RobotBatchRequestWire) error {
	return c.post(ctx, robot, "/batch/", req)
}

// NotifySingle asks a robot for a single-reference enhancement
func (c *Client) NotifySingle(ctx context.Context, robot *types.Robot, payload any) error {
	return c.post(ctx, robot, "/single/", payload)
}

func (c *Client) post(ctx context.Context, robot *types.Robot, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(robot.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	SignRequest(req, c.clientID, SigningKey(robot), body, time.Now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.WrapError(types.KindRobotUnreachable, err, "robot %s unreachable", robot.Name)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.NewError(types.KindRobotEnhancement,
			"robot %s rejected the request (%d): %s", robot.Name, resp.StatusCode, detail)
	default:
		return types.NewError(types.KindRobotUnreachable,
			"robot %s returned %d", robot.Name, resp.StatusCode)
	}
}

// HashSecret digests a plaintext client secret for storage
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
