package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/opsstream/internal/database"
	"github.com/rickgao/opsstream/internal/metrics"
	"github.com/rickgao/opsstream/internal/poller"
	"github.com/rickgao/opsstream/internal/service"
	"github.com/rickgao/opsstream/internal/version"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the stream session with health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(cmd.ErrOrStderr()); err != nil {
				return err
			}
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	logger.Info("starting opsstream",
		"version", version.Version,
		"commit", version.Commit,
		"config", a.configPath,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []service.Option{service.WithMetrics(m)}

	var db Pinger
	if cfg.Archive.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		db = pool
		opts = append(opts,
			service.WithArchive(pool),
			service.WithProbes(poller.NewProbe("database", pool.Ping)),
		)
		logger.Info("database connected")
	}

	svc, err := service.New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	if err := svc.Init(ctx); err != nil {
		_ = svc.Teardown(context.Background())
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newRouter(svc, cfg.Metrics.Path, m.Handler(), db, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "addr", server.Addr, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(
			server.Shutdown(shutdownCtx),
			svc.Teardown(shutdownCtx),
		)
	})

	err = g.Wait()
	logger.Info("opsstream stopped")
	return err
}
