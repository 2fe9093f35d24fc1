// Package app wires the archiver's components and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chatvault/chatvault/internal/config"
	"github.com/chatvault/chatvault/internal/database"
	"github.com/chatvault/chatvault/internal/ingest"
	"github.com/chatvault/chatvault/internal/rpc"
)

// Mode selects which components run.
type Mode string

const (
	// ModeBackfill runs the historical backfill to completion, then exits.
	ModeBackfill Mode = "backfill"
	// ModeListen runs the live subscription until interrupted.
	ModeListen Mode = "listen"
	// ModeServe runs only the query server.
	ModeServe Mode = "serve"
	// ModeAll runs backfill, live listening, and the query server together.
	ModeAll Mode = "all"
)

// ParseMode validates a mode argument.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBackfill, ModeListen, ModeServe, ModeAll:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (expected backfill, listen, serve, or all)", s)
}

// App owns the long-lived components and runs them under one lifecycle.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      database.Store
	reconciler *ingest.Reconciler
	server     *rpc.Server
	scheduler  gocron.Scheduler
}

// New assembles the application. The maintenance job is registered here but
// only starts ticking in long-lived modes.
func New(cfg *config.Config, logger *slog.Logger, store database.Store, reconciler *ingest.Reconciler, server *rpc.Server) (*App, error) {
	a := &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		reconciler: reconciler,
		server:     server,
	}

	if cfg.Maintenance.Enabled {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return nil, fmt.Errorf("creating scheduler: %w", err)
		}
		_, err = sched.NewJob(
			gocron.CronJob(cfg.Maintenance.Schedule, true),
			gocron.NewTask(func(ctx context.Context) {
				logger.Info("running store maintenance")
				start := time.Now()
				if err := store.RunMaintenance(ctx); err != nil {
					logger.Error("store maintenance failed", "error", err)
					return
				}
				logger.Info("store maintenance finished", "duration", time.Since(start))
			}),
			gocron.WithName("store_maintenance"),
		)
		if err != nil {
			return nil, fmt.Errorf("scheduling maintenance job: %w", err)
		}
		a.scheduler = sched
	}

	return a, nil
}

// Run executes the selected mode until completion or cancellation. In
// combined mode an ingestion failure is logged and the rest keeps serving;
// a query server failure is fatal.
func (a *App) Run(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeBackfill:
		return ignoreCanceled(a.reconciler.RunBackfill(ctx))
	case ModeListen:
		return ignoreCanceled(a.reconciler.RunLive(ctx))
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(gCtx)
	})

	if a.scheduler != nil {
		g.Go(func() error {
			a.scheduler.Start()
			a.logger.Info("maintenance scheduler started", "schedule", a.cfg.Maintenance.Schedule)
			<-gCtx.Done()
			if err := a.scheduler.Shutdown(); err != nil {
				a.logger.Error("scheduler shutdown failed", "error", err)
			}
			return nil
		})
	}

	if mode == ModeAll {
		g.Go(func() error {
			if err := ignoreCanceled(a.reconciler.RunBackfill(gCtx)); err != nil {
				a.logger.Error("backfill halted", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := ignoreCanceled(a.reconciler.RunLive(gCtx)); err != nil {
				a.logger.Error("live ingestion halted", "error", err)
			}
			return nil
		})
	}

	return ignoreCanceled(g.Wait())
}

// ignoreCanceled treats an orderly shutdown as success.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
