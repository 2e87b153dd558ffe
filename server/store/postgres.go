package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hubenschmidt/go-docqa/server/store/migrations"
)

// NewPostgresStores creates PostgreSQL-backed document and query stores
func NewPostgresStores(dsn string) (DocumentStore, QueryStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Apply(ctx, db, "postgres"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	base := sqlStore{db: db, postgres: true}
	return &sqlDocumentStore{base}, &sqlQueryStore{base}, nil
}
