package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheodoreChuang/habita/internal/flow"
	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/lockfile"
	"github.com/TheodoreChuang/habita/internal/messaging"
	"github.com/TheodoreChuang/habita/internal/recovery"
	"github.com/TheodoreChuang/habita/internal/scheduler"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/TheodoreChuang/habita/internal/twiliowhatsapp"
	"github.com/TheodoreChuang/habita/internal/whatsapp"
	"github.com/go-chi/chi/v5"
)

// Default server configuration.
const (
	// DefaultAddr is the default admin API listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown of the HTTP server and
	// the orchestrator drain.
	DefaultShutdownTimeout = 10 * time.Second
	// TwilioWebhookPath receives inbound Twilio messages.
	TwilioWebhookPath = "/twilio/webhook"
)

// Opts holds configuration options for the API server and service wiring.
type Opts struct {
	Addr             string
	StateDir         string
	SummaryThreshold int
	AutoEnroll       bool
	UseTwilio        bool
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the admin API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the state directory guarded by the instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithSummaryThreshold sets the message count that triggers compaction.
func WithSummaryThreshold(n int) Option {
	return func(o *Opts) { o.SummaryThreshold = n }
}

// WithAutoEnroll enrolls unknown senders on first contact.
func WithAutoEnroll() Option {
	return func(o *Opts) { o.AutoEnroll = true }
}

// WithTwilioTransport delivers messages through the Twilio REST API instead
// of a live Whatsmeow session.
func WithTwilioTransport() Option {
	return func(o *Opts) { o.UseTwilio = true }
}

// Run wires all modules together and serves until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	var lock *lockfile.Lock
	if cfg.StateDir != "" {
		var err error
		lock, err = lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to acquire instance lock: %w", err)
		}
		defer lock.Release()
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	if err := recovery.NewManager(st).RepairStates(context.Background()); err != nil {
		return fmt.Errorf("startup state repair failed: %w", err)
	}

	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize completion client: %w", err)
	}

	msgService, twilioService, err := buildTransport(cfg, waOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer msgService.Stop()

	compactor := flow.NewCompactor(st, client, cfg.SummaryThreshold)
	orchestrator := flow.NewOrchestrator(st, client, compactor)

	var rhOpts []messaging.ResponseHandlerOption
	if cfg.AutoEnroll {
		rhOpts = append(rhOpts, messaging.WithAutoEnroll())
	}
	messaging.NewResponseHandler(msgService, st, orchestrator, rhOpts...).Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduler.NewCheckinSweeper(st, orchestrator).Register(sched); err != nil {
		return fmt.Errorf("failed to schedule check-in sweep: %w", err)
	}

	router := chi.NewRouter()
	router.Mount("/", NewServer(st, msgService).Router())
	if twilioService != nil {
		router.Post(TwilioWebhookPath, twilioService.WebhookHandler)
	}

	server := &http.Server{Addr: cfg.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Habita API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		slog.Error("Orchestrator shutdown incomplete", "error", err)
	}
	cancel()
	slog.Info("Habita stopped")
	return nil
}

// buildStore selects the backend from the configured DSN: PostgreSQL or
// SQLite when one is given, in-memory otherwise.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("No database DSN configured, using in-memory store; state will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

// buildTransport creates the configured delivery backend. The Twilio service
// is returned separately so its webhook can be mounted.
func buildTransport(cfg Opts, waOpts []whatsapp.Option) (messaging.Service, *messaging.TwilioService, error) {
	if cfg.UseTwilio {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		service := messaging.NewTwilioService(client)
		return service, service, nil
	}

	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	return messaging.NewWhatsAppService(client), nil, nil
}
