package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openmohaa/session-tracker/internal/alerts"
	"github.com/openmohaa/session-tracker/internal/archive"
	"github.com/openmohaa/session-tracker/internal/handlers"
	"github.com/openmohaa/session-tracker/internal/logic"
	"github.com/openmohaa/session-tracker/internal/monitor"
	"github.com/openmohaa/session-tracker/internal/source"
	"github.com/openmohaa/session-tracker/internal/worker"
)

func newServeCommand() *cobra.Command {
	var noPoll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the feed and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmdContext(cmd), noPoll)
		},
	}
	cmd.Flags().BoolVar(&noPoll, "no-poll", false, "serve the API without polling the feed")
	return cmd
}

func runServe(parent context.Context, noPoll bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	sugar := a.logger.Sugar()
	queries := logic.NewQueryService(a.store, a.engine.Config())

	var live *monitor.LiveStatus
	if a.redis != nil {
		live = monitor.NewLiveStatus(a.redis)
	}

	h := handlers.Config{
		Queries:        queries,
		Engine:         a.engine,
		Checks:         a.checks,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         a.logger,
	}
	if live != nil {
		h.Live = live
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handlers.New(h).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pool := worker.NewPool(worker.PoolConfig{
		WorkerCount: cfg.WorkerCount,
		TaskTimeout: cfg.TaskTimeout,
		Logger:      a.logger,
	})
	pool.Start(ctx)

	var sink *archive.Sink
	if a.ch != nil {
		sink = archive.NewSink(a.ch, archive.SinkConfig{
			BatchSize:     cfg.ArchiveBatchSize,
			FlushInterval: cfg.ArchiveFlushInterval,
			Logger:        a.logger,
		})
		sink.Start(ctx)
	}

	var publisher alerts.Publisher
	if a.redis != nil {
		publisher = alerts.NewRedisPublisher(a.redis, alerts.DefaultChannel)
	}

	mc := monitor.Config{
		Source: source.NewClient(source.Config{
			BaseURL:       cfg.SourceURL,
			ListTimeout:   cfg.SourceListTimeout,
			DetailTimeout: cfg.SourceDetailTimeout,
			Retries:       cfg.SourceRetries,
			RatePerSecond: cfg.SourceRatePerSecond,
		}, sugar),
		Engine:     a.engine,
		Pool:       pool,
		Reporter:   alerts.NewReporter(queries, publisher, cfg.AlertWindow, cfg.AlertMemory, sugar),
		Interval:   cfg.PollInterval,
		MinPlayers: cfg.MinPlayersForSession,
		Logger:     sugar,
	}
	if live != nil {
		mc.Live = live
	}
	if sink != nil {
		mc.Archive = sink
	}
	mon := monitor.New(mc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sugar.Infow("HTTP server listening", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if !noPoll {
		g.Go(func() error {
			return mon.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sugar.Infow("Shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if !pool.Stop(cfg.ShutdownTimeout) {
		sugar.Warnw("Worker pool did not drain before shutdown timeout")
	}
	if sink != nil {
		sink.Stop()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	sugar.Infow("Shutdown complete")
	return nil
}
