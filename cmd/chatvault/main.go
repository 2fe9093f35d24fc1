// Package main contains the entrypoint for the chat archiver.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatvault/chatvault/internal/app"
	"github.com/chatvault/chatvault/internal/config"
	"github.com/chatvault/chatvault/internal/database"
	"github.com/chatvault/chatvault/internal/feed"
	"github.com/chatvault/chatvault/internal/feed/telegram"
	"github.com/chatvault/chatvault/internal/ingest"
	"github.com/chatvault/chatvault/internal/logger"
	"github.com/chatvault/chatvault/internal/rpc"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes the selected components, handles graceful shutdown, and
// returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	limit := flag.Int("limit", 0, "Maximum number of messages to backfill (0 = no limit)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] [backfill|listen|serve|all]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	modeArg := "all"
	if flag.NArg() > 0 {
		modeArg = flag.Arg(0)
	}
	mode, err := app.ParseMode(modeArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	ingestMode := mode != app.ModeServe
	if ingestMode {
		if cfg.Telegram.Token == "" {
			log.Error("Telegram token is required for ingestion modes", "mode", mode)
			return 1
		}
		if cfg.Telegram.ChatID == 0 {
			log.Error("Telegram chat_id is required for ingestion modes", "mode", mode)
			return 1
		}
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	var upstream feed.Feed
	if ingestMode {
		adapter, err := telegram.New(cfg.Telegram.Token, log)
		if err != nil {
			log.Error("Failed to create Telegram feed", "error", err)
			return 1
		}
		upstream = adapter
	}

	backfillLimit := cfg.Ingest.BackfillLimit
	if *limit > 0 {
		backfillLimit = *limit
	}
	retry := ingest.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Ingest.MaxAttempts
	reconciler := ingest.NewReconciler(store, upstream, ingest.Config{
		ChatID:        cfg.Telegram.ChatID,
		ChunkSize:     cfg.Ingest.ChunkSize,
		MinChunkDelay: cfg.Ingest.MinChunkDelay,
		MaxChunkDelay: cfg.Ingest.MaxChunkDelay,
		Limit:         backfillLimit,
		Retry:         retry,
	}, log)

	server := rpc.NewServer(store, log, cfg.Server.Host, cfg.Server.Port)

	application, err := app.New(cfg, log, store, reconciler, server)
	if err != nil {
		log.Error("Failed to assemble application", "error", err)
		return 1
	}

	log.Info("Starting", "mode", mode)
	if err := application.Run(ctx, mode); err != nil {
		log.Error("Application exited with error", "mode", mode, "error", err)
		return 1
	}
	log.Info("Shutdown complete", "mode", mode)
	return 0
}
