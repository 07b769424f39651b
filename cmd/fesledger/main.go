package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fidarail/fesledger/internal/config"
	fcrypto "github.com/fidarail/fesledger/internal/crypto"
	"github.com/fidarail/fesledger/internal/database"
	"github.com/fidarail/fesledger/internal/keystore"
	"github.com/fidarail/fesledger/internal/obs"
	"github.com/fidarail/fesledger/internal/ratelimit"
	"github.com/fidarail/fesledger/internal/server"
)

func main() {
	logger := obs.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	masterKey, err := fcrypto.B64UDecode(cfg.MasterKeyB64)
	if err != nil {
		logger.Fatalf("decode FIDA_MASTER_KEY_B64: %v", err)
	}
	envelope, err := fcrypto.NewEnvelope(masterKey)
	if err != nil {
		logger.Fatalf("construct master key envelope: %v", err)
	}
	keys := keystore.New(envelope)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := database.NewClient(ctx, cfg.DatabaseURL, database.WithLogger(obs.NewLogger("database")))
	cancel()
	if err != nil {
		logger.Fatalf("connect to database: %v", err)
	}
	defer client.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := client.MigrateUp(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatalf("apply migrations: %v", err)
	}
	migrateCancel()

	repos := database.NewRepositories(client)

	var limitStore ratelimit.Store
	limitStore = ratelimit.NewInProcessStore()
	_ = cfg.RedisURL // Redis-backed ratelimit.Store swap point; not wired by default.

	// DefaultRegisterer, not a fresh NewRegistry: /metrics is served by
	// promhttp.Handler(), which gathers from prometheus.DefaultGatherer.
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	srv := server.New(cfg, repos, keys, limitStore, metrics)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	logger.Printf("stopped")
}
