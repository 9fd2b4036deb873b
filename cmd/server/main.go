/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty points server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, YAML, LOYALTY_* environment)
  2. Build the logger
  3. Open storage (SQLite or PostgreSQL) and apply migrations
  4. Connect collaborators: CRM (HTTP or in-process catalogue), Kafka
  5. Build the points service with metrics and event publishing
  6. Start the cron scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the scheduler and wait for a running job
  4. Flush the Kafka writer and close the database

EXAMPLES:
  # SQLite file, demo catalogue, scenarios enabled
  LOYALTY_HTTP_ENABLE_SCENARIOS=true ./server

  # PostgreSQL + CRM + Kafka
  ./server -config=/etc/loyalty/config.yaml

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/crm"
	"github.com/warp/loyalty-engine/events"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/store/gormstore"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// storage is what main needs from either backend.
type storage interface {
	points.Store
	Ping(ctx context.Context) error
	io.Closer
}

// publisher is an EventPublisher that must be flushed on shutdown.
type publisher interface {
	points.EventPublisher
	io.Closer
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "loyalty server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	// Storage
	store, err := openStorage(cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()
	log.WithField("driver", cfg.Database.Driver).Info("storage ready")

	// Collaborators
	var (
		customers points.CustomerDirectory
		stores    points.StoreRegistry
		catalogue *crm.Static
	)
	if cfg.CRM.BaseURL != "" {
		client := crm.NewClient(crm.Config{
			BaseURL: cfg.CRM.BaseURL,
			Timeout: cfg.CRM.Timeout,
			APIKey:  cfg.CRM.APIKey,
			Retries: cfg.CRM.Retries,
		})
		customers, stores = client, client
		log.WithField("base_url", cfg.CRM.BaseURL).Info("using CRM")
	} else {
		catalogue = crm.NewStatic()
		customers, stores = catalogue, catalogue
		log.Warn("no CRM configured, using in-process catalogue")
	}

	var pub publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		log.WithFields(logrus.Fields{"brokers": cfg.Kafka.Brokers, "topic": cfg.Kafka.Topic}).Info("publishing ledger events")
	}
	defer pub.Close()

	// Service
	recorder := metrics.NewRecorder()
	svc := points.NewService(store, customers, stores,
		points.WithLogger(log),
		points.WithObserver(recorder),
		points.WithPublisher(pub),
		points.WithSettingsCache(points.SettingsCacheConfig{
			Size: cfg.SettingsCache.Size,
			TTL:  cfg.SettingsCache.TTL,
		}),
	)

	// Scheduler
	scheduler, err := api.NewScheduler(svc, api.SchedulerConfig{
		Reconcile: cfg.Scheduler.Reconcile,
		Expiry:    cfg.Scheduler.Expiry,
	}, log)
	if err != nil {
		return err
	}
	scheduler.Start()

	// HTTP
	handler := api.NewHandler(svc, log)
	handler.Catalogue = catalogue
	handler.Ping = store.Ping

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins:  cfg.HTTP.AllowedOrigins,
			Metrics:         recorder.Middleware,
			MetricsHandler:  recorder.Handler(),
			EnableScenarios: cfg.HTTP.EnableScenarios,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Warn("scheduled job still running at shutdown")
	}

	log.Info("server stopped")
	return nil
}

func openStorage(cfg config.Database, log logrus.FieldLogger) (storage, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := gormstore.OpenPostgres(cfg.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	}
}
