package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/hubenschmidt/go-docqa"
	"github.com/hubenschmidt/go-docqa/config"
	"github.com/hubenschmidt/go-docqa/console"
	"github.com/hubenschmidt/go-docqa/ingest"
	"github.com/hubenschmidt/go-docqa/server/store"
)

func main() {
	_ = godotenv.Load()

	var cfgPath, logPath string
	flag.StringVar(&cfgPath, "config", "docqa.yaml", "Path to YAML config file (missing file uses defaults)")
	flag.StringVar(&logPath, "log", "", "Write logs to this file (default: discard)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// The terminal belongs to the UI, so logs go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := cfg.Logging.NewLogger(logOut)

	ctx := context.Background()
	app, err := docqa.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer app.Close()

	summary, err := ingestFiles(ctx, app, flag.Args())
	if err != nil {
		log.Fatalf("ingest failed: %v", err)
	}

	timeout := time.Duration(cfg.Query.TimeoutSecs) * time.Second
	m := console.New(app.Pipeline, summary, timeout)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		log.Fatal(err)
	}
}

// ingestFiles loads each path and reports how many documents are ready.
func ingestFiles(ctx context.Context, app *docqa.App, paths []string) (string, error) {
	failed := 0
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", p, err)
			failed++
			continue
		}
		if _, err := app.Ingestor.Ingest(ctx, ingest.Upload{Filename: filepath.Base(p), Data: data}); err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", p, err)
			failed++
		}
	}

	docs, err := app.Documents.List(ctx)
	if err != nil {
		return "", err
	}
	ready := 0
	for _, d := range docs {
		if d.Status == store.StatusReady {
			ready++
		}
	}
	if ready == 0 {
		return "", fmt.Errorf("no documents ready; pass files to ingest")
	}
	if failed > 0 {
		return fmt.Sprintf("Loaded %d documents (%d failed)", ready, failed), nil
	}
	return fmt.Sprintf("Loaded %d documents", ready), nil
}
