package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hubenschmidt/go-docqa/server/store/migrations"
)

// NewSQLiteStores creates SQLite-backed document and query stores
func NewSQLiteStores(dsn string) (DocumentStore, QueryStore, error) {
	if dsn == "" {
		dsn = DefaultSQLitePath
	}

	dir := filepath.Dir(dsn)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := migrations.Apply(context.Background(), db, "sqlite"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	base := sqlStore{db: db}
	return &sqlDocumentStore{base}, &sqlQueryStore{base}, nil
}
