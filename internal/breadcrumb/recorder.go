// Package breadcrumb records one observability row per API request: timing,
// status, aggregated database activity, and the spans behind it. Persistence
// happens off the request path; a failed write never fails the request.
package breadcrumb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tracelight/tracelight/internal/analytics"
	"github.com/tracelight/tracelight/internal/background"
	"github.com/tracelight/tracelight/internal/breadcrumb/domain"
	"github.com/tracelight/tracelight/internal/breadcrumb/repository"
	"github.com/tracelight/tracelight/internal/db/instrument"
	sessionrepo "github.com/tracelight/tracelight/internal/session/repository"
	errdomain "github.com/tracelight/tracelight/internal/sessionerror/domain"
	errrepo "github.com/tracelight/tracelight/internal/sessionerror/repository"
)

// Correlation headers. The client SDK attaches the session headers to host
// app requests; the request id is echoed back on every instrumented response.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderSessionID = "X-Replay-Session-Id"
	HeaderReplayTs  = "X-Replay-Ts"
	headerRayID     = "Cf-Ray"
)

// defaultRetention bounds breadcrumbs not tied to a capture session.
const defaultRetention = 24 * time.Hour

const maxErrorMessageLen = 2000

// DefaultSkipBreadcrumbPrefixes excludes the capture surface itself plus auth
// and operational endpoints from breadcrumb rows.
var DefaultSkipBreadcrumbPrefixes = []string{
	"/api/replay/",
	"/api/internal/replay/",
	"/api/auth/",
	"/api/health",
	"/metrics",
}

// DefaultSkipErrorPrefixes excludes the capture surface from worker-error
// rows so a failing ingest endpoint cannot feed errors back into itself.
var DefaultSkipErrorPrefixes = []string{
	"/api/replay/session/",
	"/api/internal/replay/",
}

// RetentionResolver resolves a session's retention deadline; nil means the
// session is unknown.
type RetentionResolver interface {
	RetentionExpiry(ctx context.Context, sessionID string) (*time.Time, error)
}

// RecorderOptions wires the recorder's collaborators.
type RecorderOptions struct {
	// DB is the raw querier wrapped per request for span capture.
	DB     instrument.Querier
	DBName string

	Breadcrumbs   repository.Repository
	Sessions      sessionrepo.Repository
	SessionErrors errrepo.Repository
	Retention     RetentionResolver
	Analytics     analytics.Producer
	Runner        *background.Runner

	// EdgeLocation tags rows with the deployment location, when known.
	EdgeLocation string

	// Nil slices use the defaults; pass empty non-nil slices to disable
	// skipping.
	SkipBreadcrumbPrefixes []string
	SkipErrorPrefixes      []string
}

// Recorder returns the request middleware. For every /api/ request it
// installs a fresh span collector plus the instrumented querier into the
// request context, then after the handler writes one breadcrumb and its spans
// through the background runner. Panics are captured and re-raised for the
// recovery layer above.
func Recorder(opts RecorderOptions) gin.HandlerFunc {
	skipBreadcrumb := opts.SkipBreadcrumbPrefixes
	if skipBreadcrumb == nil {
		skipBreadcrumb = DefaultSkipBreadcrumbPrefixes
	}
	skipError := opts.SkipErrorPrefixes
	if skipError == nil {
		skipError = DefaultSkipErrorPrefixes
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !strings.HasPrefix(path, "/api/") {
			c.Next()
			return
		}

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		captureBreadcrumb := !hasAnyPrefix(path, skipBreadcrumb)
		captureError := !hasAnyPrefix(path, skipError)

		sessionID := c.GetHeader(HeaderSessionID)
		ts := time.Now()
		if raw := c.GetHeader(HeaderReplayTs); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				ts = time.UnixMilli(ms)
			}
		}

		var collector *instrument.Collector
		if captureBreadcrumb {
			collector = instrument.NewCollector(ts)
			wrapped := instrument.Wrap(opts.DB, opts.DBName, collector)
			c.Request = c.Request.WithContext(instrument.NewContext(c.Request.Context(), wrapped))
		}

		t0 := time.Now()
		var panicVal any
		func() {
			defer func() {
				panicVal = recover()
			}()
			c.Next()
		}()

		durationMs := time.Since(t0).Milliseconds()
		status := c.Writer.Status()
		if panicVal != nil {
			status = 500
		}

		if captureError && (panicVal != nil || status >= 500) {
			recordWorkerError(opts, c, sessionID, ts, status, panicVal)
		}

		if captureBreadcrumb {
			pathTemplate := PathTemplate(path)
			method := c.Request.Method

			httpRequestsTotal.WithLabelValues(method, pathTemplate, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, pathTemplate).Observe(time.Since(t0).Seconds())

			totals := collector.Aggregate()
			spans := collector.Spans()
			dbQueriesPerRequest.WithLabelValues(method, pathTemplate).Observe(float64(totals.QueryCount + totals.ErrorCount))

			errorKind, errorMessage := classifyError(status, panicVal)
			requestURL := c.Request.URL.String()
			rayID := c.GetHeader(headerRayID)

			opts.Runner.Go("breadcrumb", func(ctx context.Context) error {
				expiresAt := resolveRetention(ctx, opts.Retention, sessionID)
				now := time.Now()

				extra, _ := json.Marshal(map[string]string{
					"request_id": requestID,
					"url":        requestURL,
				})
				err := opts.Breadcrumbs.CreateBreadcrumb(ctx, &domain.Breadcrumb{
					ID:           uuid.NewString(),
					RequestID:    requestID,
					SessionID:    sessionID,
					Ts:           ts,
					Method:       method,
					Path:         pathTemplate,
					Status:       status,
					DurationMs:   durationMs,
					RayID:        rayID,
					EdgeLocation: opts.EdgeLocation,
					QueryCount:   totals.QueryCount,
					QueryTimeMs:  totals.QueryTime.Milliseconds(),
					RowsRead:     totals.RowsRead,
					RowsWritten:  totals.RowsWritten,
					DBErrorCount: totals.ErrorCount,
					ErrorKind:    errorKind,
					ErrorMessage: truncate(errorMessage, maxErrorMessageLen),
					ExtraJSON:    string(extra),
					ExpiresAt:    expiresAt,
					CreatedAt:    now,
				})
				if err != nil {
					return err
				}

				rows := make([]*domain.Span, 0, len(spans))
				for _, s := range spans {
					rows = append(rows, &domain.Span{
						ID:           uuid.NewString(),
						RequestID:    requestID,
						Ts:           s.TS,
						Kind:         s.Kind,
						DBName:       s.DBName,
						DurationMs:   s.Duration.Milliseconds(),
						SQLShape:     s.SQLShape,
						RowsRead:     s.RowsRead,
						RowsWritten:  s.RowsWritten,
						ErrorMessage: truncate(s.ErrorMessage, maxErrorMessageLen),
						ExpiresAt:    expiresAt,
						CreatedAt:    now,
					})
				}
				if err := opts.Breadcrumbs.CreateSpans(ctx, rows); err != nil {
					return err
				}

				hasSession := "no_session"
				if sessionID != "" {
					hasSession = "has_session"
				}
				analytics.EmitAsync(opts.Analytics, analytics.Point{
					Kind: "api_request",
					Labels: map[string]string{
						"method":       method,
						"path":         pathTemplate,
						"status_class": strconv.Itoa(status / 100 * 100),
						"session":      hasSession,
					},
					Values: map[string]float64{"count": 1, "duration_ms": float64(durationMs)},
				})
				return nil
			})
		}

		if panicVal != nil {
			panic(panicVal)
		}
	}
}

// recordWorkerError writes a source=worker session error row for a panic or
// 5xx response, independent of breadcrumb capture.
func recordWorkerError(opts RecorderOptions, c *gin.Context, sessionID string, ts time.Time, status int, panicVal any) {
	kind := "http_5xx"
	message := fmt.Sprintf("HTTP %d", status)
	if panicVal != nil {
		kind = "exception"
		message = fmt.Sprint(panicVal)
	}
	extra, _ := json.Marshal(map[string]any{
		"kind":   kind,
		"status": status,
		"url":    c.Request.URL.String(),
		"method": c.Request.Method,
		"ray_id": c.GetHeader(headerRayID),
	})

	opts.Runner.Go("worker_error", func(ctx context.Context) error {
		err := opts.SessionErrors.Create(ctx, &errdomain.SessionError{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Ts:        ts,
			Source:    "worker",
			Message:   truncate(message, maxErrorMessageLen),
			ExtraJSON: string(extra),
			CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		if sessionID != "" {
			if err := opts.Sessions.RecordError(ctx, sessionID, time.Now()); err != nil {
				return err
			}
		}
		analytics.EmitAsync(opts.Analytics, analytics.Point{
			Kind:   "worker_error",
			Labels: map[string]string{"error_kind": kind, "status": strconv.Itoa(status)},
			Values: map[string]float64{"count": 1},
		})
		return nil
	})
}

func resolveRetention(ctx context.Context, resolver RetentionResolver, sessionID string) time.Time {
	fallback := time.Now().Add(defaultRetention)
	if sessionID == "" || resolver == nil {
		return fallback
	}
	expires, err := resolver.RetentionExpiry(ctx, sessionID)
	if err != nil || expires == nil {
		return fallback
	}
	return *expires
}

func classifyError(status int, panicVal any) (kind, message string) {
	if panicVal != nil {
		return "exception", fmt.Sprint(panicVal)
	}
	if status >= 500 {
		return "http_5xx", fmt.Sprintf("HTTP %d", status)
	}
	return "", ""
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
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
