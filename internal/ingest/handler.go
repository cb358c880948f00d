// Package ingest is the capture surface: session init plus the token-scoped
// chunk, blocked, and error upload endpoints. Validation failures answer
// generic messages; nothing here leaks token internals to clients.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mileusna/useragent"

	"github.com/tracelight/tracelight/internal/analytics"
	"github.com/tracelight/tracelight/internal/auth"
	"github.com/tracelight/tracelight/internal/blob"
	chunkdomain "github.com/tracelight/tracelight/internal/chunk/domain"
	chunkrepo "github.com/tracelight/tracelight/internal/chunk/repository"
	"github.com/tracelight/tracelight/internal/policy"
	sessiondomain "github.com/tracelight/tracelight/internal/session/domain"
	sessionrepo "github.com/tracelight/tracelight/internal/session/repository"
	errdomain "github.com/tracelight/tracelight/internal/sessionerror/domain"
	errrepo "github.com/tracelight/tracelight/internal/sessionerror/repository"
	"github.com/tracelight/tracelight/internal/uploadtoken"
)

// blobProtocolVersion versions the chunk object layout, independent of the
// policy version.
const blobProtocolVersion = "v1"

const (
	defaultMaxChunkBytes = 512_000
	defaultUploadTTL     = 15 * time.Minute

	maxReasonLen      = 64
	maxBlockedMsgLen  = 512
	maxSourceLen      = 64
	maxMessageLen     = 2000
	maxStackLen       = 20000
	maxFingerprintLen = 256
)

// FeatureResolver answers runtime feature-flag lookups.
type FeatureResolver interface {
	StoreUserEmail(ctx context.Context) bool
}

// Options wires the capture surface.
type Options struct {
	AppURL        string
	SigningKey    []byte
	UploadTTL     time.Duration
	MaxChunkBytes int64
	// StoreUserEmail is the static fallback when Features is nil.
	StoreUserEmail bool
	Features       FeatureResolver
	Policy         policy.Bundle
	EdgeLocation   string

	BuildVersionID        string
	BuildVersionTag       string
	BuildVersionTimestamp string

	Verifier  auth.Verifier
	Sessions  sessionrepo.Repository
	Errors    errrepo.Repository
	Chunks    chunkrepo.Repository
	Blobs     blob.Store
	Analytics analytics.Producer
}

// Handler serves the capture endpoints.
type Handler struct {
	opts Options
}

// NewHandler returns the capture handler. Zero UploadTTL and MaxChunkBytes
// fall back to the defaults.
func NewHandler(opts Options) *Handler {
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = defaultUploadTTL
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = defaultMaxChunkBytes
	}
	return &Handler{opts: opts}
}

// Register mounts the capture routes. The whole group sits behind the
// same-origin gate; only session init additionally requires a signed-in user.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/api/replay", SameOrigin(h.opts.AppURL))
	g.POST("/session/init", auth.RequireUser(h.opts.Verifier), h.sessionInit)
	g.POST("/session/:id/chunk", h.chunkUpload)
	g.POST("/session/:id/blocked", h.sessionBlocked)
	g.POST("/session/:id/error", h.sessionError)
}

type initBody struct {
	JourneyID  string `json:"journey_id"`
	InitialURL string `json:"initial_url"`
}

type initResponse struct {
	SessionID     string         `json:"session_id"`
	UploadToken   string         `json:"upload_token"`
	PolicyVersion string         `json:"policy_version"`
	Replay        policy.Replay  `json:"replay"`
	Console       policy.Console `json:"console"`
}

func (h *Handler) sessionInit(c *gin.Context) {
	if len(h.opts.SigningKey) == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server misconfigured"})
		return
	}
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	// The body is optional; a malformed one is treated as absent.
	var body initBody
	if strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		_ = c.ShouldBindJSON(&body)
	}

	now := time.Now()
	sessionID := uuid.NewString()
	token, err := uploadtoken.Issue(h.opts.SigningKey, sessionID, h.opts.Policy.Version, h.opts.UploadTTL, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server misconfigured"})
		return
	}

	initialURL := body.InitialURL
	if initialURL == "" {
		initialURL = c.GetHeader("Referer")
	}
	storeEmail := h.opts.StoreUserEmail
	if h.opts.Features != nil {
		storeEmail = h.opts.Features.StoreUserEmail(c.Request.Context())
	}
	userEmail := ""
	if storeEmail {
		userEmail = identity.Email
	}

	rawUA := c.GetHeader("User-Agent")
	ua := useragent.Parse(rawUA)

	session := &sessiondomain.Session{
		SessionID:             sessionID,
		UserID:                identity.UserID,
		UserEmail:             userEmail,
		StartedAt:             now,
		InitialURL:            initialURL,
		LastURL:               initialURL,
		UserAgent:             rawUA,
		Country:               c.GetHeader("CF-IPCountry"),
		EdgeLocation:          h.opts.EdgeLocation,
		JourneyID:             body.JourneyID,
		BuildVersionID:        h.opts.BuildVersionID,
		BuildVersionTag:       h.opts.BuildVersionTag,
		BuildVersionTimestamp: h.opts.BuildVersionTimestamp,
		PolicyVersion:         h.opts.Policy.Version,
		RetentionExpiresAt:    now.Add(time.Duration(h.opts.Policy.RetentionDays) * 24 * time.Hour),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := h.opts.Sessions.Create(c.Request.Context(), session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	analytics.EmitAsync(h.opts.Analytics, analytics.Point{
		Kind: "session_init",
		Labels: map[string]string{
			"policy_version": h.opts.Policy.Version,
			"edge_location":  h.opts.EdgeLocation,
			"browser":        ua.Name,
		},
		Values: map[string]float64{"count": 1},
	})

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, initResponse{
		SessionID:     sessionID,
		UploadToken:   token,
		PolicyVersion: h.opts.Policy.Version,
		Replay:        h.opts.Policy.Replay,
		Console:       h.opts.Policy.Console,
	})
}

// verifyUpload checks the bearer upload token against the path session id.
// On failure it writes the generic 401 (or 500 when the signing key is
// missing) and reports ok=false.
func (h *Handler) verifyUpload(c *gin.Context) (uploadtoken.Payload, bool) {
	if len(h.opts.SigningKey) == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server misconfigured"})
		return uploadtoken.Payload{}, false
	}
	token := auth.BearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uploadtoken.Payload{}, false
	}
	payload, err := uploadtoken.Verify(h.opts.SigningKey, token, time.Now())
	if err != nil || payload.SessionID != c.Param("id") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uploadtoken.Payload{}, false
	}
	return payload, true
}

type chunkBody struct {
	Seq    *int              `json:"seq"`
	Events []json.RawMessage `json:"events"`
}

func (h *Handler) chunkUpload(c *gin.Context) {
	payload, ok := h.verifyUpload(c)
	if !ok {
		return
	}

	if c.Request.ContentLength > h.opts.MaxChunkBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return
	}
	limited := http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxChunkBytes)
	raw, err := io.ReadAll(limited)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
		return
	}

	var body chunkBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Seq == nil || *body.Seq < 0 || body.Events == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
		return
	}
	seq := *body.Seq
	sessionID := payload.SessionID

	startTs, lastTs := eventBounds(body.Events)

	// Blob first, index second: an index row must never point at a missing
	// object.
	key := blob.Key(blobProtocolVersion, sessionID, seq)
	ctx := c.Request.Context()
	if err := h.opts.Blobs.Put(ctx, key, raw, "application/json"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	now := time.Now()
	sum := sha256.Sum256(raw)
	err = h.opts.Chunks.Upsert(ctx, &chunkdomain.Chunk{
		SessionID: sessionID,
		Seq:       seq,
		BlobKey:   key,
		SizeBytes: len(raw),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: now,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if err := h.opts.Sessions.RecordChunk(ctx, sessionID, startTs, lastTs, now); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	analytics.EmitAsync(h.opts.Analytics, analytics.Point{
		Kind: "chunk",
		Labels: map[string]string{
			"policy_version": payload.PolicyVersion,
			"edge_location":  h.opts.EdgeLocation,
		},
		Values: map[string]float64{"count": 1, "bytes": float64(len(raw))},
	})

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type blockedBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (h *Handler) sessionBlocked(c *gin.Context) {
	payload, ok := h.verifyUpload(c)
	if !ok {
		return
	}

	var body blockedBody
	_ = c.ShouldBindJSON(&body)

	reason := body.Reason
	if reason == "" {
		reason = "recorder_import_failed"
	}
	reason = truncate(reason, maxReasonLen)
	stored := reason
	if msg := truncate(body.Message, maxBlockedMsgLen); msg != "" {
		stored = reason + ":" + msg
	}

	if err := h.opts.Sessions.MarkCaptureBlocked(c.Request.Context(), payload.SessionID, stored, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	analytics.EmitAsync(h.opts.Analytics, analytics.Point{
		Kind:   "capture_blocked",
		Labels: map[string]string{"policy_version": payload.PolicyVersion, "reason": reason},
		Values: map[string]float64{"count": 1},
	})

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type errorBody struct {
	Ts          int64           `json:"ts"`
	Source      string          `json:"source"`
	Message     string          `json:"message"`
	Stack       string          `json:"stack"`
	Fingerprint string          `json:"fingerprint"`
	Extra       json.RawMessage `json:"extra"`
}

func (h *Handler) sessionError(c *gin.Context) {
	payload, ok := h.verifyUpload(c)
	if !ok {
		return
	}

	var body errorBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
		return
	}

	source := body.Source
	if source == "" {
		source = "client"
	}
	ts := time.Now()
	if body.Ts > 0 {
		ts = time.UnixMilli(body.Ts)
	}
	now := time.Now()

	ctx := c.Request.Context()
	err := h.opts.Errors.Create(ctx, &errdomain.SessionError{
		ID:          uuid.NewString(),
		SessionID:   payload.SessionID,
		Ts:          ts,
		Source:      truncate(source, maxSourceLen),
		Message:     truncate(body.Message, maxMessageLen),
		Stack:       truncate(body.Stack, maxStackLen),
		Fingerprint: truncate(body.Fingerprint, maxFingerprintLen),
		ExtraJSON:   string(body.Extra),
		CreatedAt:   now,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if err := h.opts.Sessions.RecordError(ctx, payload.SessionID, now); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	analytics.EmitAsync(h.opts.Analytics, analytics.Point{
		Kind:   "client_error",
		Labels: map[string]string{"policy_version": payload.PolicyVersion, "source": source},
		Values: map[string]float64{"count": 1},
	})

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// eventBounds scans the events for numeric timestamps and returns the min and
// max found, or nils when no event carries one.
func eventBounds(events []json.RawMessage) (minTs, maxTs *int64) {
	type timestamped struct {
		Timestamp *float64 `json:"timestamp"`
	}
	for _, raw := range events {
		var ev timestamped
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Timestamp == nil {
			continue
		}
		ts := int64(*ev.Timestamp)
		if minTs == nil || ts < *minTs {
			v := ts
			minTs = &v
		}
		if maxTs == nil || ts > *maxTs {
			v := ts
			maxTs = &v
		}
	}
	return minTs, maxTs
}

// truncate caps s at max bytes, backing up to a rune boundary so the result
// stays valid UTF-8 for the TEXT columns it lands in.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
