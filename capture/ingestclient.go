package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ReplayPolicy is the replay recording policy granted at session init. It
// mirrors the server's wire shape so importers need nothing beyond this
// package.
type ReplayPolicy struct {
	MaskAllInputs bool `json:"maskAllInputs"`
}

// StringifyOptions bounds console-argument serialization.
type StringifyOptions struct {
	StringLengthLimit int `json:"stringLengthLimit,omitempty"`
	NumOfKeysLimit    int `json:"numOfKeysLimit"`
	DepthOfLimit      int `json:"depthOfLimit"`
}

// ConsolePolicy is the console-log capture sub-policy.
type ConsolePolicy struct {
	Enabled          bool             `json:"enabled"`
	Level            []string         `json:"level"`
	LengthThreshold  int              `json:"lengthThreshold"`
	StringifyOptions StringifyOptions `json:"stringifyOptions"`
}

// InitResult is the server's session-init grant.
type InitResult struct {
	SessionID     string        `json:"session_id"`
	UploadToken   string        `json:"upload_token"`
	PolicyVersion string        `json:"policy_version"`
	Replay        ReplayPolicy  `json:"replay"`
	Console       ConsolePolicy `json:"console"`
}

// ClientError is an error report attached to a capture session.
type ClientError struct {
	Ts          int64           `json:"ts"`
	Source      string          `json:"source"`
	Message     string          `json:"message"`
	Stack       string          `json:"stack"`
	Fingerprint string          `json:"fingerprint"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// ingestClient is the thin HTTP transport to the capture endpoints. All
// methods honor ctx cancellation so Stop can abort in-flight calls.
type ingestClient struct {
	baseURL string
	http    *http.Client
}

func newIngestClient(baseURL string, hc *http.Client) *ingestClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &ingestClient{baseURL: baseURL, http: hc}
}

func (c *ingestClient) post(ctx context.Context, path, bearer string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

type initRequest struct {
	JourneyID  string `json:"journey_id,omitempty"`
	InitialURL string `json:"initial_url,omitempty"`
}

func (c *ingestClient) SessionInit(ctx context.Context, accessToken, journeyID, initialURL string) (*InitResult, error) {
	var out InitResult
	err := c.post(ctx, "/api/replay/session/init", accessToken,
		initRequest{JourneyID: journeyID, InitialURL: initialURL}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type chunkRequest struct {
	Seq    int               `json:"seq"`
	Events []json.RawMessage `json:"events"`
}

func (c *ingestClient) UploadChunk(ctx context.Context, sessionID, uploadToken string, seq int, events []json.RawMessage) error {
	return c.post(ctx, "/api/replay/session/"+sessionID+"/chunk", uploadToken,
		chunkRequest{Seq: seq, Events: events}, nil)
}

type blockedRequest struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *ingestClient) ReportBlocked(ctx context.Context, sessionID, uploadToken, reason, message string) error {
	return c.post(ctx, "/api/replay/session/"+sessionID+"/blocked", uploadToken,
		blockedRequest{Reason: reason, Message: message}, nil)
}

func (c *ingestClient) ReportError(ctx context.Context, sessionID, uploadToken string, e ClientError) error {
	return c.post(ctx, "/api/replay/session/"+sessionID+"/error", uploadToken, e, nil)
}
