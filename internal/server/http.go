// Package server assembles the HTTP engine: middleware ordering, route
// registration, and the listener with graceful shutdown.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracelight/tracelight/internal/admin"
	"github.com/tracelight/tracelight/internal/ingest"
)

// Deps holds the assembled handlers and middleware for the HTTP server.
type Deps struct {
	AppURL   string
	Recorder gin.HandlerFunc
	Ingest   *ingest.Handler
	Admin    *admin.Handler
}

// NewEngine builds the gin engine. The breadcrumb recorder sits inside
// recovery so panics are captured and re-raised into it, and before the
// routes so every handler sees the instrumented request context.
func NewEngine(deps Deps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors(deps.AppURL))
	if deps.Recorder != nil {
		engine.Use(deps.Recorder)
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.Ingest != nil {
		deps.Ingest.Register(engine)
	}
	if deps.Admin != nil {
		deps.Admin.Register(engine)
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})
	return engine
}

// cors answers preflight and tags responses for the configured app origin.
// With no APP_URL set, no origin is allowed; reflecting arbitrary origins
// alongside Allow-Credentials would defeat the same-origin gate.
func cors(appURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if appURL != "" && origin == appURL {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, X-Request-Id, X-Replay-Session-Id, X-Replay-Ts")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Serve runs the HTTP server until ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("server: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
