// Package app provides the unified application lifecycle for Vigil.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	httpapi "github.com/vigilwear/vigil/internal/api/http"
	"github.com/vigilwear/vigil/internal/audit"
	"github.com/vigilwear/vigil/internal/batch"
	"github.com/vigilwear/vigil/internal/config"
	"github.com/vigilwear/vigil/internal/consumer"
	"github.com/vigilwear/vigil/internal/dedup"
	"github.com/vigilwear/vigil/internal/dispatch"
	"github.com/vigilwear/vigil/internal/governor"
	"github.com/vigilwear/vigil/internal/notify"
	"github.com/vigilwear/vigil/internal/receiver"
	"github.com/vigilwear/vigil/internal/router"
	"github.com/vigilwear/vigil/internal/schema"
	"github.com/vigilwear/vigil/internal/server"
	"github.com/vigilwear/vigil/internal/storage"
)

// App manages the Vigil service lifecycle.
type App struct {
	cfg *config.Config
	log *zap.Logger

	// Shared resources
	store    storage.ObjectStorage
	auditDB  *audit.Store
	registry *schema.Registry
	checker  *dedup.Checker
	ledger   *governor.Ledger
	notifier *notify.Notifier
	writer   *batch.Writer
	receiver *receiver.Receiver
	shutdown *server.ShutdownManager

	// Service components
	httpServer *server.GracefulHTTPServer
	sqs        *consumer.Consumer

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg, log: log}, nil
}

// Start initializes shared resources and starts the configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initPipeline(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if a.cfg.ShouldRunServe() {
		a.startHTTP(ctx)
	}

	if a.cfg.ShouldRunConsume() {
		if err := a.startConsumer(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	}

	// Registered last so it runs first: stops the polling loops before the
	// resources they use are closed.
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.cancel()
		return nil
	}))

	a.log.Info("vigil started", zap.String("mode", string(a.cfg.Mode)))
	return nil
}

// Run starts the app and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	err := a.shutdown.ListenForSignals(ctx)
	a.wg.Wait()
	return err
}

// Stop initiates graceful shutdown.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return err
}

// initPipeline constructs the admission pipeline and registers closers.
// Registration order matters: the shutdown manager closes LIFO, so the
// stores close only after the workers that write to them have stopped.
func (a *App) initPipeline(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{})

	auditDB, err := audit.NewStore(a.cfg.AuditPath())
	if err != nil {
		return err
	}
	a.auditDB = auditDB
	a.shutdown.RegisterCloser(auditDB)

	registry, err := schema.NewRegistry(a.cfg.SchemaPath(), schema.CompatibilityMode(a.cfg.Schema.Compatibility))
	if err != nil {
		return err
	}
	a.registry = registry
	a.shutdown.RegisterCloser(registry)

	a.store, err = a.buildStorage(ctx)
	if err != nil {
		return err
	}

	a.notifier = notify.NewNotifier(64)
	a.startEscalationLog(ctx)

	a.checker = dedup.NewChecker(dedup.Config{
		Window:        a.cfg.Dedup.Window,
		Shards:        a.cfg.Dedup.Shards,
		SweepInterval: a.cfg.Dedup.SweepInterval,
	})
	a.checker.Start(ctx)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.checker.Close()
		return nil
	}))

	a.ledger = governor.NewLedger(governor.Config{
		Window:       a.cfg.Budget.Window,
		SoftFraction: a.cfg.Budget.SoftFraction,
		Limits: map[governor.Dimension]int64{
			governor.DimensionAlerts: a.cfg.Budget.AlertsPerWindow,
			governor.DimensionEvents: a.cfg.Budget.EventsPerWindow,
			governor.DimensionBytes:  a.cfg.Budget.BytesPerWindow,
		},
	})

	a.writer = batch.NewWriter(a.store, a.notifier, batch.Config{
		Retries: a.cfg.Storage.WriteRetries,
		Backoff: a.cfg.Storage.WriteBackoff,
	}, a.log.Named("batch"))
	// Background context: the writer drains queued promotions on Close, which
	// a cancelled context would cut short.
	a.writer.Start(context.Background())
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.writer.Close()
		return nil
	}))

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Endpoint:       a.cfg.Dispatch.Endpoint,
		Timeout:        a.cfg.Dispatch.Timeout,
		MaxRetries:     a.cfg.Dispatch.MaxRetries,
		InitialBackoff: a.cfg.Dispatch.InitialBackoff,
	}, a.notifier, a.log.Named("dispatch"))

	rt := router.New(router.Config{
		AlertScore:    a.cfg.Router.AlertScore,
		OverrideScore: a.cfg.Router.OverrideScore,
		OverrideFlags: a.cfg.Router.OverrideFlags,
	})

	a.receiver = receiver.New(registry, a.checker, a.ledger, rt, auditDB,
		dispatcher, a.writer, a.notifier, a.log.Named("receiver"))

	return nil
}

// buildStorage constructs the configured batch sink backend.
func (a *App) buildStorage(ctx context.Context) (storage.ObjectStorage, error) {
	switch a.cfg.Storage.Type {
	case "s3":
		return storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.Endpoint != "",
		})
	default:
		return storage.NewLocalStorage(a.cfg.Storage.Path)
	}
}

// startEscalationLog surfaces escalations in the service log.
func (a *App) startEscalationLog(ctx context.Context) {
	sub := a.notifier.Subscribe("app-log")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case esc, ok := <-sub.Ch:
				if !ok {
					return
				}
				a.log.Warn("escalation",
					zap.String("kind", esc.Kind.String()),
					zap.String("device_id", esc.DeviceID),
					zap.String("decision_id", esc.DecisionID),
					zap.String("detail", esc.Detail))
			}
		}
	}()
}

// startHTTP starts the ingress API server.
func (a *App) startHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/v1/events", httpapi.NewIngestHandler(a.receiver, a.log.Named("http")))
	mux.Handle("/v1/decisions", httpapi.NewDecisionsHandler(a.auditDB))
	mux.Handle("/v1/decisions/", httpapi.NewDecisionsHandler(a.auditDB))
	mux.Handle("/v1/budget", httpapi.NewBudgetHandler(a.ledger))

	handler := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)(mux)

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.httpServer = server.NewGracefulHTTPServer(srv, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("http ingress listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil {
			a.log.Error("http server stopped", zap.Error(err))
		}
	}()
}

// startConsumer starts the queue ingestion trigger.
func (a *App) startConsumer(ctx context.Context) error {
	client, err := consumer.NewClient(ctx, consumer.ClientConfig{
		QueueURL: a.cfg.Consumer.QueueURL,
		Region:   a.cfg.Consumer.Region,
		Endpoint: a.cfg.Consumer.Endpoint,
	}, a.log.Named("sqs"))
	if err != nil {
		return err
	}

	a.sqs = consumer.New(client, a.receiver, a.auditDB, consumer.Config{
		MaxMessages:     a.cfg.Consumer.MaxMessages,
		WaitTimeSeconds: a.cfg.Consumer.WaitTimeSeconds,
	}, a.log.Named("consumer"))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.sqs.Run(ctx); err != nil && err != context.Canceled {
			a.log.Error("consumer stopped", zap.Error(err))
		}
	}()

	return nil
}

// cleanup releases whatever Start managed to initialize.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.shutdown != nil {
		_ = a.shutdown.Shutdown(context.Background(), "startup failed")
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
