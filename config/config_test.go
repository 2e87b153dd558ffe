package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hubenschmidt/go-docqa/core"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8000" || cfg.Vector.Backend != "memory" {
		t.Errorf("unexpected defaults: %+v", cfg.Server)
	}
	if cfg.LLM.ThemeModel != cfg.LLM.ChatModel {
		t.Errorf("theme model = %q, want chat model fallback", cfg.LLM.ThemeModel)
	}
	if cfg.Keyword.IndexPath != "" {
		t.Errorf("keyword index path = %q, want in-memory with memory vectors", cfg.Keyword.IndexPath)
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docqa.yaml")
	yaml := `
server:
  addr: ":9000"
chunk:
  max_tokens: 120
  overlap_tokens: 20
query:
  top_k: 8
vector:
  backend: qdrant
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DOCQA_TOP_K", "3")
	t.Setenv("DOCQA_API_KEY_HASHES", "h1, h2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Chunk.MaxTokens != 120 || cfg.Chunk.OverlapTokens != 20 {
		t.Errorf("chunk = %+v", cfg.Chunk)
	}
	if cfg.Query.TopK != 3 {
		t.Errorf("top_k = %d, want env override 3", cfg.Query.TopK)
	}
	if cfg.LLM.OpenAIKey != "sk-env" {
		t.Errorf("openai key not applied")
	}
	if len(cfg.Server.APIKeyHashes) != 2 || cfg.Server.APIKeyHashes[1] != "h2" {
		t.Errorf("api key hashes = %v", cfg.Server.APIKeyHashes)
	}
	if cfg.Vector.Qdrant.Collection != "docqa_chunks" {
		t.Errorf("qdrant defaults lost: %+v", cfg.Vector.Qdrant)
	}
	if cfg.Keyword.IndexPath != DefaultKeywordIndexPath {
		t.Errorf("keyword index path = %q, want on-disk default for qdrant", cfg.Keyword.IndexPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Vector.Backend = "faiss" }, false},
		{"pgvector without postgres", func(c *Config) { c.Vector.Backend = "pgvector"; c.Vector.DSN = "data/x.db" }, false},
		{"pgvector with postgres", func(c *Config) { c.Vector.Backend = "pgvector"; c.Vector.DSN = "postgres://u@h/db" }, true},
		{"overlap too large", func(c *Config) { c.Chunk.OverlapTokens = c.Chunk.MaxTokens }, false},
		{"bad ocr", func(c *Config) { c.OCR.Backend = "abbyy" }, false},
		{"bad hybrid weight", func(c *Config) { c.Query.HybridWeight = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, core.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "docqa.yaml")
	cfg := Default()
	cfg.Query.MaxThemes = 7
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Query.MaxThemes != 7 {
		t.Errorf("max_themes = %d", loaded.Query.MaxThemes)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (LoggingConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
