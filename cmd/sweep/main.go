package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/retailops/pos-ingest/internal/config"
	"github.com/retailops/pos-ingest/internal/database"
	"github.com/retailops/pos-ingest/internal/ledger"
	"github.com/retailops/pos-ingest/internal/lifecycle"
	"github.com/retailops/pos-ingest/internal/models"
	"github.com/retailops/pos-ingest/internal/notify"
	"github.com/retailops/pos-ingest/internal/pipeline"
	"github.com/retailops/pos-ingest/internal/report"
	"github.com/retailops/pos-ingest/internal/watcher"
)

func setup(ctx context.Context) (*watcher.Watcher, *pipeline.Coordinator, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	dbpool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	cleanupFunc := func() {
		dbpool.Close()
	}

	var ldg ledger.Ledger
	switch cfg.LedgerDriver {
	case "sqlite":
		sqliteLedger, err := ledger.NewSQLiteLedger(ctx, cfg.LedgerPath)
		if err != nil {
			cleanupFunc()
			return nil, nil, nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		prev := cleanupFunc
		cleanupFunc = func() {
			sqliteLedger.Close()
			prev()
		}
		ldg = sqliteLedger
	default:
		pgLedger, err := ledger.NewPostgresLedger(ctx, dbpool)
		if err != nil {
			cleanupFunc()
			return nil, nil, nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		ldg = pgLedger
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.NotifierConfigured() {
		notifier = notify.NewSMTPNotifier(
			cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPTo, cfg.SMTPUser, cfg.SMTPPassword)
	}

	lifecycles := make(map[string]*lifecycle.Manager)
	dirs := make(map[string]string)
	for _, name := range report.Names() {
		mgr := lifecycle.NewManager(cfg.StageRoot(name))
		if err := mgr.EnsureStages(); err != nil {
			cleanupFunc()
			return nil, nil, nil, err
		}
		lifecycles[name] = mgr
		dirs[name] = cfg.IncomingDir(name)
	}

	w := watcher.New(dirs, cfg.EventQueueSize, cfg.ReadyTimeout)
	coordinator := pipeline.NewCoordinator(
		ldg,
		database.NewPostgresSink(dbpool),
		notifier,
		lifecycles,
		cfg.NumWorkers,
		false,
	)

	return w, coordinator, cleanupFunc, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}
	startTime := time.Now()

	ctx := context.Background()

	w, coordinator, cleanupFunc, err := setup(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanupFunc()

	log.Println("Starting backlog sweep...")

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- w.Run(ctx, false)
	}()

	results := coordinator.Run(ctx, w.Events())

	if err := <-watchErr; err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	// One aggregate email per sweep, never one per file.
	coordinator.NotifySummary(results)

	succeeded := 0
	for _, r := range results {
		if r.Outcome == models.OutcomeSuccess {
			succeeded++
		}
	}
	log.Printf("Sweep finished: %d files, %d succeeded.", len(results), succeeded)
	log.Printf("Execution time: %s", time.Since(startTime))
}
