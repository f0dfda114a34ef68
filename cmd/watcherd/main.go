package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/retailops/pos-ingest/internal/config"
	"github.com/retailops/pos-ingest/internal/database"
	"github.com/retailops/pos-ingest/internal/ledger"
	"github.com/retailops/pos-ingest/internal/lifecycle"
	"github.com/retailops/pos-ingest/internal/notify"
	"github.com/retailops/pos-ingest/internal/pipeline"
	"github.com/retailops/pos-ingest/internal/report"
	"github.com/retailops/pos-ingest/internal/watcher"
)

func setup(ctx context.Context, live bool) (*watcher.Watcher, *pipeline.Coordinator, func(), error) {
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
		live,
	)

	return w, coordinator, cleanupFunc, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, coordinator, cleanupFunc, err := setup(ctx, true)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanupFunc()

	log.Println("Starting backlog sweep and live watch...")

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- w.Run(ctx, true)
	}()

	// Blocks until shutdown closes the event channel; in-flight files reach
	// their terminal lifecycle transition before we return.
	results := coordinator.Run(ctx, w.Events())

	if err := <-watchErr; err != nil && ctx.Err() == nil {
		log.Fatalf("Watcher failed: %v", err)
	}

	log.Printf("Shutting down. %d files reached a terminal state this run.", len(results))
}
