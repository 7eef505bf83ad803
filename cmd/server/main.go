package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"MailCadence/internal/api"
	"MailCadence/internal/config"
	"MailCadence/internal/csvparser"
	"MailCadence/internal/db"
	"MailCadence/internal/email"
	"MailCadence/internal/metrics"
	"MailCadence/internal/models"
	"MailCadence/internal/queue"
	"MailCadence/internal/ratelimit"
	"MailCadence/internal/scheduler"
	"MailCadence/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "mailcadence",
		Usage: "schedule bulk email and deliver it at a steady, rate limited pace",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv file(s) to load before reading the environment",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the API, the dispatch workers and the maintenance sweep",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "bring the database schema up to date and exit",
				Action: migrate,
			},
			{
				Name:  "schedule",
				Usage: "store a batch from a CSV file; a running server sends it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "owner of the batch", Required: true},
					&cli.StringFlag{Name: "csv", Usage: "recipients file with an Email column", Required: true},
					&cli.StringFlag{Name: "subject", Required: true},
					&cli.StringFlag{Name: "body-file", Usage: "path to the HTML body", Required: true},
					&cli.StringFlag{Name: "sender", Usage: "sender id, defaults to the user's first sender"},
					&cli.TimestampFlag{Name: "send-at", Layout: time.RFC3339, Usage: "RFC 3339 release time"},
				},
				Action: scheduleFile,
			},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.StringSlice("env-file")...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	var logger *zap.Logger
	if cfg.LogDev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func migrate(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.DatabaseDriver == "postgres" {
		return db.ApplyMigrations(cfg.DatabaseURL, logger)
	}
	store, err := db.Open(c.Context, cfg.DatabaseDriver, cfg.DatabaseURL, true, logger)
	if err != nil {
		return err
	}
	store.Close()
	logger.Info("database schema ready", zap.String("driver", cfg.DatabaseDriver))
	return nil
}

func scheduleFile(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	recipients, err := csvparser.ParseFile(c.String("csv"), cfg.MaxBatchSize)
	if err != nil {
		return fmt.Errorf("read recipients: %w", err)
	}
	body, err := os.ReadFile(c.String("body-file"))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	store, err := db.Open(c.Context, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.MigrateOnStart, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Nothing claims from this queue; the server's recovery sweep picks the
	// stored jobs up.
	q := queue.New[models.Dispatch](queue.Options{}, logger)
	defer q.Close()

	svc := scheduler.New(cfg.Scheduler(), store, q, logger.Named("scheduler"))
	res, err := svc.Schedule(c.Context, c.String("user"), scheduler.Request{
		Subject:    c.String("subject"),
		Body:       string(body),
		Recipients: recipients,
		SendAt:     c.Timestamp("send-at"),
		SenderID:   c.String("sender"),
	})
	if err != nil {
		return err
	}

	logger.Info("batch stored",
		zap.Int("count", res.Count),
		zap.String("sender_id", res.Sender.ID),
		zap.Duration("picked_up_within", cfg.RecoveryInterval),
	)
	return nil
}

func serve(c *cli.Context) error {

	// ------------------------------------------------
	// Config + Logger
	// ------------------------------------------------
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	identity, err := cfg.Identity()
	if err != nil {
		return err
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.MigrateOnStart, logger.Named("db"))
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer store.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
			cancel()
		}
	}()

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	var counter interface {
		ratelimit.Counter
		scheduler.WindowPurger
	} = store
	if cfg.RateCounter == "memory" {
		counter = ratelimit.NewMemoryCounter()
	}
	limiter := ratelimit.New(counter)

	// ------------------------------------------------
	// Queue + Transport
	// ------------------------------------------------
	jobs := queue.New[models.Dispatch](queue.Options{
		MaxAttempts: cfg.RetryAttempts,
		Backoff:     time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		MaxBackoff:  cfg.RetryMaxBackoff,
	}, logger.Named("queue"))

	transport := email.NewSMTPTransport(logger.Named("smtp"))
	defer transport.Close()

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	pool := worker.NewPool(cfg.Worker(), jobs, store, limiter, transport, logger.Named("worker"))
	pool.Start(ctx, &wg)

	// ------------------------------------------------
	// Scheduler + Recovery
	// ------------------------------------------------
	svc := scheduler.New(cfg.Scheduler(), store, jobs, logger.Named("scheduler"))

	sweeper := scheduler.NewSweeper(svc, counter, transport, cfg.TransportIdleTimeout, logger.Named("sweep"))
	sweeper.RunOnce(ctx)
	if err := sweeper.Start(ctx, cfg.RecoveryInterval); err != nil {
		return err
	}
	defer sweeper.Stop()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Scheduler:    svc,
		Log:          logger.Named("api"),
		MaxBatchSize: cfg.MaxBatchSize,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.WithCORS(api.NewRouter(apiHandler, identity), cfg.FrontendOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", zap.Error(err))
			cancel()
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notify failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new batches
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Stop claims; in-flight attempts finish
	jobs.Close()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("workers still busy at shutdown deadline")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
	return nil
}
