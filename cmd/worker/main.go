// Worker runs the retention sweep: expired request spans and breadcrumbs are
// deleted on a timer. Set DATABASE_URL and optionally CLEANUP_INTERVAL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	breadcrumbrepo "github.com/tracelight/tracelight/internal/breadcrumb/repository"
	"github.com/tracelight/tracelight/internal/config"
	"github.com/tracelight/tracelight/internal/db"
	"github.com/tracelight/tracelight/internal/db/instrument"
	"github.com/tracelight/tracelight/internal/retention"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer sqlDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	breadcrumbs := breadcrumbrepo.NewPostgresRepository(instrument.Raw{DB: sqlDB})
	cleaner := retention.NewCleaner(breadcrumbs)

	log.Printf("worker: sweeping every %s", cfg.CleanupEvery())
	cleaner.Loop(ctx, cfg.CleanupEvery())
	log.Println("worker: stopped")
}
