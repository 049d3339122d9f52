// comicd server — drives story submissions through the seven-stage comic
// generation pipeline and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/comicgen/comicd/pkg/ai"
	"github.com/comicgen/comicd/pkg/api"
	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/engine"
	"github.com/comicgen/comicd/pkg/pool"
	"github.com/comicgen/comicd/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// openStore picks the persistence backend. A configured DB_HOST selects
// PostgreSQL; otherwise the in-memory store is used, which loses everything
// on restart.
func openStore(ctx context.Context) (store.Store, error) {
	if os.Getenv("DB_HOST") == "" {
		slog.Warn("DB_HOST not set, using in-memory store; sessions will not survive restarts")
		return store.NewMemory(), nil
	}
	cfg, err := store.LoadPostgresConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return store.NewPostgres(ctx, cfg)
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Persistence
	st, err := openStore(ctx)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 3. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pool.NewMetrics(registry)

	// 4. Generative backends. Requests are lazy; the first stage call
	// surfaces connectivity problems as retryable stage errors.
	client := ai.NewHTTPClient(cfg.AI)
	slog.Info("AI backends configured",
		"text_url", cfg.AI.TextServiceURL,
		"image_url", cfg.AI.ImageServiceURL)

	// 5. Engine
	eng := engine.New(cfg, st, client, client, metrics)
	eng.Start()

	// 6. HTTP server
	server := api.NewServer(cfg, eng, st, registry)
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("comicd started",
		"max_sessions", cfg.Pool.MaxConcurrentSessions,
		"hitl_stages", cfg.Pipeline.HITLStages)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting requests first, then drain the engine. Active sessions
	// get a bounded window to cancel and persist terminal state.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		slog.Error("Engine did not drain before deadline", "error", err)
	}
	slog.Info("comicd stopped")
}
