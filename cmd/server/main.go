package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/middleware"
	"github.com/tallyhq/tally/internal/remote"
	"github.com/tallyhq/tally/internal/service"
	"github.com/tallyhq/tally/internal/storage/sqlite"
	"github.com/tallyhq/tally/internal/syncqueue"
	"github.com/tallyhq/tally/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	logging.Setup()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("Storage initialized", "database", cfg.DBPath)

	led := ledger.New()
	remoteClient := remote.NewClient(cfg.RemoteURL, cfg.RemoteAPIKey)
	queue := syncqueue.New(store, remoteClient, led, cfg.SyncConfig())
	queue.SetOnline(cfg.StartOnline)

	tokens := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	authenticator := auth.NewPasswordAuthenticator(store)

	logged := connect.WithInterceptors(middleware.LoggingInterceptor())
	authed := connect.WithInterceptors(middleware.LoggingInterceptor(), middleware.RequireAuth(tokens))

	mux := http.NewServeMux()
	authPath, authHandler := service.NewAuthServiceHandler(service.NewAuthService(authenticator, tokens), logged)
	mux.Handle(authPath, authHandler)
	ledgerPath, ledgerHandler := service.NewLedgerServiceHandler(service.NewLedgerService(led, queue), authed)
	mux.Handle(ledgerPath, ledgerHandler)
	syncPath, syncHandler := service.NewSyncServiceHandler(service.NewSyncService(queue), authed)
	mux.Handle(syncPath, syncHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// h2c lets Connect clients use HTTP/2 without TLS.
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	if err := queue.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := queue.Stop(shutdownCtx); err != nil {
			slog.Warn("Sync queue did not stop cleanly", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
