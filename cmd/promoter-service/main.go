package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/contentplane/promoter/internal/audit"
	"github.com/contentplane/promoter/internal/auth"
	"github.com/contentplane/promoter/internal/config"
	"github.com/contentplane/promoter/internal/httpserver"
	"github.com/contentplane/promoter/internal/objectstore"
	"github.com/contentplane/promoter/internal/promotion"
	"github.com/contentplane/promoter/internal/store"
	"github.com/contentplane/promoter/internal/vectorindex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[startup] config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[startup] db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("[startup] db ping: %v", err)
	}
	st := store.NewPGStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var objects objectstore.Client
	if cfg.PayloadBucketBase != "" {
		s3Client, err := objectstore.NewS3Client(ctx)
		if err != nil {
			log.Fatalf("[startup] object store init: %v", err)
		}
		objects = s3Client
	} else {
		log.Printf("[startup] no payload bucket configured, using in-memory object store")
		objects = objectstore.NewMemoryClient()
	}

	var vectors vectorindex.Client
	if cfg.VectorIndexURL != "" {
		vectors, err = vectorindex.NewHTTPClient(vectorindex.HTTPClientConfig{
			BaseURL: cfg.VectorIndexURL,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("[startup] vector index init: %v", err)
		}
	} else {
		log.Printf("[startup] no vector index configured, using in-memory client")
		vectors = vectorindex.NewMemoryClient()
	}

	var events audit.Publisher = audit.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := audit.NewKafkaPublisher(audit.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("[startup] kafka publisher init: %v", err)
		}
		defer publisher.Close()
		events = publisher
	}

	copier := promotion.NewItemCopier(st, objects, vectors, cfg.PayloadBucketBase, cfg.VectorCollectionBase)
	orchestrator := promotion.NewOrchestrator(st, copier, events, promotion.Config{
		Enabled:                cfg.PromotionEnabled,
		AllowedPaths:           parsePaths(cfg.AllowedPaths),
		MaxItemsPerBatch:       cfg.MaxItemsPerBatch,
		ItemCopyTimeout:        cfg.ItemCopyTimeout,
		LargeTransferWarnBytes: cfg.LargeTransferWarnBytes,
		RollbackWindow:         cfg.RollbackWindow,
	})

	verifier, err := auth.NewVerifier(cfg.AuthKeysFile, cfg.AllowDebugToken, cfg.DebugToken)
	if err != nil {
		log.Fatalf("[startup] auth init: %v", err)
	}

	server := httpserver.New(orchestrator, st, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("[startup] promoter service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func parsePaths(raw []string) []promotion.Path {
	var paths []promotion.Path
	for _, pair := range raw {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			log.Fatalf("[startup] invalid promotion path %q (want source:target)", pair)
		}
		paths = append(paths, promotion.Path{
			Source: promotion.Environment(parts[0]),
			Target: promotion.Environment(parts[1]),
		})
	}
	return paths
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
