// Package migrations holds the schema for each SQL dialect.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Apply executes every migration of the dialect ("sqlite" or "postgres")
// in file name order. Migrations are written to be re-runnable.
func Apply(ctx context.Context, db *sql.DB, dialect string) error {
	names, err := fs.Glob(files, dialect+"/*.sql")
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no migrations for %q", dialect)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}
