package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracelight/tracelight/internal/admin"
	"github.com/tracelight/tracelight/internal/analytics"
	"github.com/tracelight/tracelight/internal/auth"
	"github.com/tracelight/tracelight/internal/background"
	"github.com/tracelight/tracelight/internal/blob"
	"github.com/tracelight/tracelight/internal/breadcrumb"
	breadcrumbrepo "github.com/tracelight/tracelight/internal/breadcrumb/repository"
	chunkrepo "github.com/tracelight/tracelight/internal/chunk/repository"
	"github.com/tracelight/tracelight/internal/config"
	"github.com/tracelight/tracelight/internal/db"
	"github.com/tracelight/tracelight/internal/db/instrument"
	"github.com/tracelight/tracelight/internal/features"
	"github.com/tracelight/tracelight/internal/ingest"
	"github.com/tracelight/tracelight/internal/policy"
	"github.com/tracelight/tracelight/internal/server"
	sessioncache "github.com/tracelight/tracelight/internal/session/cache"
	sessionrepo "github.com/tracelight/tracelight/internal/session/repository"
	errrepo "github.com/tracelight/tracelight/internal/sessionerror/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("config: DATABASE_URL is required")
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer sqlDB.Close()
	querier := instrument.Raw{DB: sqlDB}

	var verifier auth.Verifier
	if cfg.AuthJWTPublicKey != "" {
		key, err := auth.ParsePublicKeyPEM([]byte(cfg.AuthJWTPublicKey))
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
		verifier = auth.NewJWTVerifier(key, cfg.AuthJWTIssuer, cfg.AuthJWTAudience)
	} else {
		log.Println("auth: AUTH_JWT_PUBLIC_KEY not set; all authenticated endpoints will answer 401")
		verifier = auth.NewJWTVerifier(nil, cfg.AuthJWTIssuer, cfg.AuthJWTAudience)
	}

	bundle, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	var blobs blob.Store
	if cfg.BlobS3Endpoint != "" {
		blobs, err = blob.NewS3Store(blob.S3Options{
			Endpoint:  cfg.BlobS3Endpoint,
			Bucket:    cfg.BlobS3Bucket,
			AccessKey: cfg.BlobS3AccessKey,
			SecretKey: cfg.BlobS3SecretKey,
			UseSSL:    cfg.BlobS3UseSSL,
		})
	} else {
		blobs, err = blob.NewLocalStore(cfg.BlobDir)
	}
	if err != nil {
		log.Fatalf("blob: %v", err)
	}

	producer, err := analytics.NewKafkaProducer(cfg.AnalyticsBrokersList(), cfg.AnalyticsKafkaTopic)
	if err != nil {
		log.Fatalf("analytics: %v", err)
	}
	defer producer.Close()

	sessions := sessionrepo.NewPostgresRepository(querier)
	sessionErrors := errrepo.NewPostgresRepository(querier)
	chunks := chunkrepo.NewPostgresRepository(querier)
	breadcrumbs := breadcrumbrepo.NewPostgresRepository(querier)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := sessioncache.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		redisClient = client
	}
	retention := sessioncache.New(redisClient, sessions)
	featureStore := features.NewStore(redisClient, features.Flags{StoreUserEmail: cfg.StoreUserEmail})

	runner := background.NewRunner(10 * time.Second)

	recorder := breadcrumb.Recorder(breadcrumb.RecorderOptions{
		DB:            querier,
		DBName:        "replay",
		Breadcrumbs:   breadcrumbs,
		Sessions:      sessions,
		SessionErrors: sessionErrors,
		Retention:     retention,
		Analytics:     producer,
		Runner:        runner,
		EdgeLocation:  cfg.EdgeLocation,
	})

	ingestHandler := ingest.NewHandler(ingest.Options{
		AppURL:                cfg.AppURL,
		SigningKey:            []byte(cfg.UploadSigningKey),
		UploadTTL:             cfg.UploadTTL(),
		MaxChunkBytes:         cfg.MaxChunkBytes,
		StoreUserEmail:        cfg.StoreUserEmail,
		Features:              featureStore,
		Policy:                bundle,
		EdgeLocation:          cfg.EdgeLocation,
		BuildVersionID:        cfg.BuildVersionID,
		BuildVersionTag:       cfg.BuildVersionTag,
		BuildVersionTimestamp: cfg.BuildVersionTimestamp,
		Verifier:              verifier,
		Sessions:              sessions,
		Errors:                sessionErrors,
		Chunks:                chunks,
		Blobs:                 blobs,
		Analytics:             producer,
	})

	adminHandler := admin.NewHandler(admin.Options{
		Verifier:    verifier,
		Sessions:    sessions,
		Errors:      sessionErrors,
		Chunks:      chunks,
		Breadcrumbs: breadcrumbs,
		Blobs:       blobs,
		Features:    featureStore,
		DB:          querier,
	})

	engine := server.NewEngine(server.Deps{
		AppURL:   cfg.AppURL,
		Recorder: recorder,
		Ingest:   ingestHandler,
		Admin:    adminHandler,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	if err := server.Serve(ctx, cfg.HTTPAddr, engine, 15*time.Second); err != nil {
		log.Fatalf("serve: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		log.Printf("server: background drain: %v", err)
	}
	log.Println("server: stopped")
}
