package store

import (
	"fmt"
	"strings"
)

// DefaultSQLitePath is used when no DSN is configured.
const DefaultSQLitePath = "data/docqa.db"

// NewStores creates document and query stores based on the DSN.
// - Empty DSN: SQLite at data/docqa.db
// - postgres:// or postgresql://: PostgreSQL
// - Anything else: SQLite at the specified path
func NewStores(dsn string) (DocumentStore, QueryStore, error) {
	if dsn == "" {
		return NewSQLiteStores(DefaultSQLitePath)
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		ds, qs, err := NewPostgresStores(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return ds, qs, nil
	}

	return NewSQLiteStores(dsn)
}
