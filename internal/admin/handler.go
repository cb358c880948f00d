// Package admin is the internal read API over captured sessions, chunks,
// errors, and breadcrumbs. Every route requires the admin role.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tracelight/tracelight/internal/auth"
	"github.com/tracelight/tracelight/internal/blob"
	breadcrumbrepo "github.com/tracelight/tracelight/internal/breadcrumb/repository"
	chunkrepo "github.com/tracelight/tracelight/internal/chunk/repository"
	"github.com/tracelight/tracelight/internal/db/instrument"
	"github.com/tracelight/tracelight/internal/features"
	sessiondomain "github.com/tracelight/tracelight/internal/session/domain"
	sessionrepo "github.com/tracelight/tracelight/internal/session/repository"
	errrepo "github.com/tracelight/tracelight/internal/sessionerror/repository"
)

// Options wires the admin read API.
type Options struct {
	Verifier    auth.Verifier
	Sessions    sessionrepo.Repository
	Errors      errrepo.Repository
	Chunks      chunkrepo.Repository
	Breadcrumbs breadcrumbrepo.Repository
	Blobs       blob.Store
	Features    *features.Store
	DB          instrument.Querier
}

// Handler serves the admin endpoints.
type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts}
}

// Register mounts the admin routes behind the admin gate.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/api/internal/replay", auth.RequireAdmin(h.opts.Verifier))
	g.GET("/health", h.health)
	g.GET("/sessions", h.listSessions)
	g.GET("/session/:id/meta", h.sessionMeta)
	g.GET("/session/:id/chunks", h.sessionChunks)
	g.GET("/session/:id/chunk/:seq", h.sessionChunkBlob)
	g.GET("/session/:id/errors", h.sessionErrors)
	g.GET("/session/:id/breadcrumbs", h.sessionBreadcrumbs)
	g.GET("/request/:requestId/spans", h.requestSpans)
	g.GET("/features", h.getFeatures)
	g.PUT("/features", h.putFeatures)
}

func (h *Handler) getFeatures(c *gin.Context) {
	if h.opts.Features == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server misconfigured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"features": h.opts.Features.Get(c.Request.Context())})
}

func (h *Handler) putFeatures(c *gin.Context) {
	if h.opts.Features == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server misconfigured"})
		return
	}
	var body struct {
		StoreUserEmail *bool `json:"storeUserEmail"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	// Absent or non-true coerces to false, same as toggling the flag off.
	next := features.Flags{StoreUserEmail: body.StoreUserEmail != nil && *body.StoreUserEmail}
	if err := h.opts.Features.Set(c.Request.Context(), next); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"features": next})
}

func (h *Handler) health(c *gin.Context) {
	row := h.opts.DB.QueryRowContext(c.Request.Context(), "SELECT 1")
	var one int
	if err := row.Scan(&one); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) listSessions(c *gin.Context) {
	var filter sessiondomain.ListFilter

	if c.Query("hasError") == "1" {
		hasError := true
		filter.HasError = &hasError
	}
	filter.Query = c.Query("q")
	if from, err := strconv.ParseInt(c.Query("from"), 10, 64); err == nil {
		t := time.UnixMilli(from)
		filter.From = &t
	}
	if to, err := strconv.ParseInt(c.Query("to"), 10, 64); err == nil {
		t := time.UnixMilli(to)
		filter.To = &t
	}
	filter.Limit = intQuery(c, "limit", 50)
	filter.Offset = intQuery(c, "offset", 0)

	sessions, err := h.opts.Sessions.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if sessions == nil {
		sessions = []*sessiondomain.Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (h *Handler) sessionMeta(c *gin.Context) {
	session, err := h.opts.Sessions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) sessionChunks(c *gin.Context) {
	chunks, err := h.opts.Chunks.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

// sessionChunkBlob streams the raw chunk payload. The response is the stored
// JSON verbatim.
func (h *Handler) sessionChunkBlob(c *gin.Context) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid seq"})
		return
	}
	ctx := c.Request.Context()
	row, err := h.opts.Chunks.Get(ctx, c.Param("id"), seq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	data, err := h.opts.Blobs.Get(ctx, row.BlobKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/json", data)
}

func (h *Handler) sessionErrors(c *gin.Context) {
	errors, err := h.opts.Errors.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": errors})
}

func (h *Handler) sessionBreadcrumbs(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	offset := intQuery(c, "offset", 0)
	breadcrumbs, err := h.opts.Breadcrumbs.ListBySession(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"breadcrumbs": breadcrumbs,
		"limit":       limit,
		"offset":      offset,
	})
}

func (h *Handler) requestSpans(c *gin.Context) {
	spans, err := h.opts.Breadcrumbs.ListSpansByRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"spans": spans})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
