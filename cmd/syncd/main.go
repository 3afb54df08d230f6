package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fjordledger/banksync/internal/cipher"
	"github.com/fjordledger/banksync/internal/domain"
	"github.com/fjordledger/banksync/internal/logger"
	_ "github.com/fjordledger/banksync/internal/provider/enablebanking"
	"github.com/fjordledger/banksync/internal/store"
	banksync "github.com/fjordledger/banksync/internal/sync"
)

var (
	dbPath   = flag.String("db", "banksync.db", "Path to the SQLite database")
	interval = flag.Duration("interval", 15*time.Minute, "How often to scan for connections due for sync")
)

func main() {
	flag.Parse()

	// Initialize logger
	log := logger.New()

	secret := os.Getenv("BANKSYNC_CREDENTIAL_SECRET")
	if secret == "" {
		log.Fatal().Msg("BANKSYNC_CREDENTIAL_SECRET is required")
	}
	cred, err := cipher.New(secret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential cipher")
	}

	s, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", *dbPath).Msg("Failed to open database")
	}

	orchestrator := banksync.New(s, cred, banksync.DefaultPolicy())

	log.Info().Str("db", *dbPath).Dur("interval", *interval).Msg("Starting sync worker")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	go run(ctx, log, s, orchestrator, *interval)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down sync worker...")
	cancel()

	log.Info().Msg("Sync worker exited")
}

// run scans for due connections on every tick and syncs each once. The first
// scan happens immediately on startup.
func run(ctx context.Context, log zerolog.Logger, s *store.Store, orchestrator *banksync.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	syncDue(ctx, log, s, orchestrator)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncDue(ctx, log, s, orchestrator)
		}
	}
}

// syncDue runs one sync for every auto-sync connection whose interval has
// elapsed. A failing connection is recorded by the orchestrator and does not
// stop the scan.
func syncDue(ctx context.Context, log zerolog.Logger, s *store.Store, orchestrator *banksync.Orchestrator) {
	due, err := s.ListAutoSyncDue(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list connections due for sync")
		return
	}
	if len(due) == 0 {
		return
	}

	log.Info().Int("connections", len(due)).Msg("Syncing due connections")
	for _, conn := range due {
		if ctx.Err() != nil {
			return
		}
		result, err := orchestrator.Run(ctx, conn.ID, domain.SyncAuto, nil)
		if err != nil {
			log.Error().Err(err).Uint("connection_id", conn.ID).Msg("Sync rejected")
			continue
		}
		log.Info().
			Uint("connection_id", conn.ID).
			Str("status", string(result.Status)).
			Int("fetched", result.Fetched).
			Int("imported", result.Imported).
			Int("duplicates", result.Duplicates).
			Msg("Auto sync finished")
	}
}
