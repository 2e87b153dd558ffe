package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hubenschmidt/go-docqa"
	"github.com/hubenschmidt/go-docqa/config"
	"github.com/hubenschmidt/go-docqa/server"
)

func main() {
	_ = godotenv.Load()

	var cfgPath, hashKey string
	flag.StringVar(&cfgPath, "config", "docqa.yaml", "Path to YAML config file (missing file uses defaults)")
	flag.StringVar(&hashKey, "hash-key", "", "Print the bcrypt hash of an API key for server.api_key_hashes and exit")
	flag.Parse()

	if hashKey != "" {
		hash, err := server.HashAPIKey(hashKey)
		if err != nil {
			log.Fatalf("hash key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app, err := docqa.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting docqa server", "addr", cfg.Server.Addr, "version", server.Version,
			"mcp", cfg.MCP.Enabled, "auth", len(cfg.Server.APIKeyHashes) > 0)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
