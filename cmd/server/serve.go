package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/iliyamo/infusion-chair-coordinator/internal/config"
	"github.com/iliyamo/infusion-chair-coordinator/internal/handler"
	"github.com/iliyamo/infusion-chair-coordinator/internal/metrics"
	"github.com/iliyamo/infusion-chair-coordinator/internal/queue"
	"github.com/iliyamo/infusion-chair-coordinator/internal/router"
	"github.com/iliyamo/infusion-chair-coordinator/internal/service"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, logger, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.DBAutoMigrate {
		if err := store.Migrate(context.Background()); err != nil {
			logger.Error().Err(err).Msg("migration failed")
			return err
		}
		logger.Info().Msg("schema up to date")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var events service.EventPublisher = queue.NopPublisher{}
	if cfg.EventsEnabled {
		pub := queue.NewPublisher(cfg.RabbitMQURL, logger)
		go func() { _ = pub.Run(bg) }()
		events = pub
	}

	policy := service.DefaultPolicy()
	policy.TrackPatientTreatment = cfg.PatientTreatmentTracking
	policy.MaxTxAttempts = cfg.TxMaxAttempts

	coord := service.NewCoordinator(store,
		service.WithPolicy(policy),
		service.WithEvents(events),
		service.WithMetrics(m),
		service.WithLogger(logger),
	)

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		logger.Warn().Str("addr", cfg.Redis.Addr).Msg("redis unavailable, rate limiting and caching disabled")
	} else {
		defer rdb.Close()
	}

	e := router.New(router.Deps{
		Config:   cfg,
		Chairs:   handler.NewChairHandler(coord, logger),
		DB:       store,
		Metrics:  m,
		Gatherer: reg,
		Redis:    rdb,
		Logger:   logger,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
