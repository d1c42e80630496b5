package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/scrumlive/api"
	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/internal/config"
	"github.com/jmcleod/scrumlive/realtime"
	bboltstorage "github.com/jmcleod/scrumlive/storage/bbolt"
	"github.com/jmcleod/scrumlive/storage/memory"
	"github.com/jmcleod/scrumlive/storage/postgres"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the retro and planning poker server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		level, err := cfg.SlogLevel()
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		repo, closeRepo, err := openRepository(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		hub := realtime.NewHub(
			realtime.WithLogger(logger),
			realtime.WithQueueSize(cfg.QueueSize),
			realtime.WithSendTimeout(cfg.SendTimeout),
			realtime.WithFanoutConcurrency(cfg.FanoutConcurrency),
			realtime.WithWorkerIdle(cfg.WorkerIdle),
			realtime.WithPresenceWindow(cfg.PresenceStaleAfter, cfg.PresenceRetention),
		)
		svc := ceremony.NewService(repo,
			ceremony.WithNotifier(hub),
			ceremony.WithLogger(logger),
		)

		proxies, err := cfg.TrustedProxyPrefixes()
		if err != nil {
			return err
		}
		apiOpts := []api.Option{
			api.WithLogger(logger),
			api.WithFacilitatorKey(cfg.FacilitatorKey),
			api.WithAllowedOrigins(cfg.AllowedOrigins...),
			api.WithTrustedProxies(proxies...),
			api.WithFrameLimit(cfg.FrameLimit),
		}
		if cfg.AlertWebhookURL != "" {
			webhook := api.NewAlertWebhook(cfg.AlertWebhookURL, cfg.AlertWebhookHeader, logger)
			defer webhook.Close()
			apiOpts = append(apiOpts, api.WithAlertFunc(webhook.Notify))
		}
		a := api.New(svc, hub, apiOpts...)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		// No read or write timeout: both would cut long-lived WebSocket
		// connections. Slow clients are bounded per frame by send-timeout.
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.TLSCert != "" {
				err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (store: %s)...\n", cfg.Port, cfg.Store)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := server.Shutdown(ctx)
			// Hijacked WebSocket connections are not tracked by Shutdown.
			hub.Close()
			if err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			hub.Close()
			return err
		}
	},
}

// openRepository opens the configured store. The returned func releases it.
func openRepository(ctx context.Context, cfg *config.Config) (ceremony.Repository, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewRepository(), func() {}, nil

	case config.StorePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return repo, repo.Close, nil

	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "scrumlive.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntP("port", "p", 8080, "Port to listen on")
	f.String("store", config.StoreBbolt, "Session store: memory, bbolt or postgres")
	f.String("data-dir", "./data", "Directory for the bbolt database")
	f.String("database-url", "", "Postgres connection string")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
	f.String("facilitator-key", "", "Shared key required on facilitator routes")
	f.StringSlice("allowed-origins", nil, "Extra WebSocket origin patterns")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
}
