// Package config loads the service configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/go-docqa/core"
)

type ServerConfig struct {
	Addr               string   `yaml:"addr"`
	MaxUploadBytes     int64    `yaml:"max_upload_bytes"`
	CORSOrigins        []string `yaml:"cors_origins"`
	APIKeyHashes       []string `yaml:"api_key_hashes"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs"`
}

type DatabaseConfig struct {
	// postgres:// selects Postgres; anything else is a SQLite path.
	DSN string `yaml:"dsn"`
}

type StorageConfig struct {
	UploadDir string `yaml:"upload_dir"`
}

type LLMConfig struct {
	OpenAIKey     string  `yaml:"openai_api_key"`
	OpenAIBaseURL string  `yaml:"openai_base_url"`
	AnthropicKey  string  `yaml:"anthropic_api_key"`
	OllamaURL     string  `yaml:"ollama_url"`
	ChatModel     string  `yaml:"chat_model"`
	ThemeModel    string  `yaml:"theme_model"`
	VisionModel   string  `yaml:"vision_model"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	TimeoutSecs   int     `yaml:"timeout_secs"`
	MaxRetries    int     `yaml:"max_retries"`
}

type EmbeddingConfig struct {
	Model     string `yaml:"model"`
	BatchSize int    `yaml:"batch_size"`
	Dimension int    `yaml:"dimension"`
}

type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

type VectorConfig struct {
	Backend string       `yaml:"backend"`
	DSN     string       `yaml:"dsn"`
	Qdrant  QdrantConfig `yaml:"qdrant"`
}

type KeywordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	IndexPath string `yaml:"index_path"`
}

type ChunkConfig struct {
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

type OCRConfig struct {
	Backend         string   `yaml:"backend"`
	TesseractPath   string   `yaml:"tesseract_path"`
	Languages       []string `yaml:"languages"`
	MinCharsPerPage int      `yaml:"min_chars_per_page"`
}

type QueryConfig struct {
	TopK           int     `yaml:"top_k"`
	MinScore       float64 `yaml:"min_score"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	MaxThemes      int     `yaml:"max_themes"`
	HybridWeight   float64 `yaml:"hybrid_weight"`
	TimeoutSecs    int     `yaml:"timeout_secs"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Keyword   KeywordConfig   `yaml:"keyword"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	OCR       OCRConfig       `yaml:"ocr"`
	Query     QueryConfig     `yaml:"query"`
	Logging   LoggingConfig   `yaml:"logging"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// DefaultKeywordIndexPath is used when keyword search is enabled over a
// persistent vector backend.
const DefaultKeywordIndexPath = "data/keywords.bleve"

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8000",
			MaxUploadBytes:     25 << 20,
			CORSOrigins:        []string{"*"},
			RequestTimeoutSecs: 120,
		},
		Database: DatabaseConfig{DSN: "data/docqa.db"},
		Storage:  StorageConfig{UploadDir: "data/uploads"},
		LLM: LLMConfig{
			OllamaURL:   "http://localhost:11434",
			ChatModel:   "gpt-4o-mini",
			VisionModel: "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   1024,
			TimeoutSecs: 60,
			MaxRetries:  3,
		},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-3-small",
			BatchSize: 64,
			Dimension: 1536,
		},
		Vector: VectorConfig{
			Backend: "memory",
			Qdrant:  QdrantConfig{URL: "http://localhost:6333", Collection: "docqa_chunks", TimeoutSecs: 15},
		},
		Keyword: KeywordConfig{Enabled: true},
		Chunk:   ChunkConfig{MaxTokens: 200, OverlapTokens: 30},
		OCR:     OCRConfig{Backend: "vision", TesseractPath: "tesseract", Languages: []string{"eng"}, MinCharsPerPage: 50},
		Query: QueryConfig{
			TopK:           5,
			MinScore:       0.2,
			MaxConcurrency: 4,
			MaxThemes:      5,
			HybridWeight:   0.3,
			TimeoutSecs:    120,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		MCP:     MCPConfig{Enabled: true, Path: "/mcp"},
	}
}

// Load reads a config file over the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv()
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"DOCQA_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"DOCQA_MAX_UPLOAD_BYTES", func(c *Config, v string) error { return setInt64(&c.Server.MaxUploadBytes, v) }},
	{"DOCQA_API_KEY_HASHES", func(c *Config, v string) error { c.Server.APIKeyHashes = splitList(v); return nil }},
	{"DOCQA_CORS_ORIGINS", func(c *Config, v string) error { c.Server.CORSOrigins = splitList(v); return nil }},
	{"DATABASE_URL", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"DOCQA_UPLOAD_DIR", func(c *Config, v string) error { c.Storage.UploadDir = v; return nil }},
	{"OPENAI_API_KEY", func(c *Config, v string) error { c.LLM.OpenAIKey = v; return nil }},
	{"OPENAI_BASE_URL", func(c *Config, v string) error { c.LLM.OpenAIBaseURL = v; return nil }},
	{"ANTHROPIC_API_KEY", func(c *Config, v string) error { c.LLM.AnthropicKey = v; return nil }},
	{"OLLAMA_URL", func(c *Config, v string) error { c.LLM.OllamaURL = v; return nil }},
	{"DOCQA_CHAT_MODEL", func(c *Config, v string) error { c.LLM.ChatModel = v; return nil }},
	{"DOCQA_THEME_MODEL", func(c *Config, v string) error { c.LLM.ThemeModel = v; return nil }},
	{"DOCQA_VISION_MODEL", func(c *Config, v string) error { c.LLM.VisionModel = v; return nil }},
	{"DOCQA_EMBED_MODEL", func(c *Config, v string) error { c.Embedding.Model = v; return nil }},
	{"DOCQA_EMBED_DIMENSION", func(c *Config, v string) error { return setInt(&c.Embedding.Dimension, v) }},
	{"DOCQA_VECTOR_BACKEND", func(c *Config, v string) error { c.Vector.Backend = v; return nil }},
	{"DOCQA_VECTOR_DSN", func(c *Config, v string) error { c.Vector.DSN = v; return nil }},
	{"QDRANT_URL", func(c *Config, v string) error { c.Vector.Qdrant.URL = v; return nil }},
	{"QDRANT_API_KEY", func(c *Config, v string) error { c.Vector.Qdrant.APIKey = v; return nil }},
	{"DOCQA_KEYWORD_INDEX", func(c *Config, v string) error { c.Keyword.IndexPath = v; return nil }},
	{"DOCQA_OCR_BACKEND", func(c *Config, v string) error { c.OCR.Backend = v; return nil }},
	{"DOCQA_TOP_K", func(c *Config, v string) error { return setInt(&c.Query.TopK, v) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
}

// ApplyEnv overrides fields from environment variables. Malformed numeric
// values are logged and ignored.
func (c *Config) ApplyEnv() {
	for _, b := range envBindings {
		v, ok := os.LookupEnv(b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			slog.Warn("ignoring env override", "key", b.key, "error", err)
		}
	}
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = d.Server.MaxUploadBytes
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = d.Storage.UploadDir
	}
	if c.LLM.ThemeModel == "" {
		c.LLM.ThemeModel = c.LLM.ChatModel
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = d.Embedding.BatchSize
	}
	if c.Vector.Backend == "pgvector" && c.Vector.DSN == "" {
		c.Vector.DSN = c.Database.DSN
	}
	// A persistent vector store needs a persistent keyword index, the
	// in-memory pair is rebuilt from stored files at startup.
	if c.Keyword.Enabled && c.Keyword.IndexPath == "" && c.Vector.Backend != "memory" {
		c.Keyword.IndexPath = DefaultKeywordIndexPath
	}
	if c.Query.TopK <= 0 {
		c.Query.TopK = d.Query.TopK
	}
	if c.Query.MaxConcurrency <= 0 {
		c.Query.MaxConcurrency = d.Query.MaxConcurrency
	}
	if c.Query.MaxThemes <= 0 {
		c.Query.MaxThemes = d.Query.MaxThemes
	}
	if c.MCP.Path == "" {
		c.MCP.Path = d.MCP.Path
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Vector.Backend {
	case "memory", "qdrant":
	case "pgvector":
		if !IsPostgresDSN(c.Vector.DSN) {
			errs = append(errs, errors.New("vector.backend pgvector needs a postgres:// dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector.backend %q", c.Vector.Backend))
	}
	switch c.OCR.Backend {
	case "vision", "tesseract", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown ocr.backend %q", c.OCR.Backend))
	}
	if c.Chunk.MaxTokens <= 0 {
		errs = append(errs, errors.New("chunk.max_tokens must be positive"))
	}
	if c.Chunk.OverlapTokens < 0 || c.Chunk.OverlapTokens >= c.Chunk.MaxTokens {
		errs = append(errs, errors.New("chunk.overlap_tokens must be in [0, max_tokens)"))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding.dimension must be positive"))
	}
	if c.Query.MinScore < -1 || c.Query.MinScore > 1 {
		errs = append(errs, errors.New("query.min_score must be in [-1, 1]"))
	}
	if c.Query.HybridWeight < 0 || c.Query.HybridWeight > 1 {
		errs = append(errs, errors.New("query.hybrid_weight must be in [0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// IsPostgresDSN reports whether dsn selects the Postgres backends.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// NewLogger builds the process logger from the logging section.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
