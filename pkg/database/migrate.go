package database

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	dbsql "github.com/mohib051/grow-stake-daily/pkg/database/sql"
	"github.com/mohib051/grow-stake-daily/pkg/logging"
)

// ApplySchema executes the embedded schema files in lexical order.
// Statements are written to be re-runnable (CREATE TABLE IF NOT EXISTS),
// so applying on every boot is safe.
func ApplySchema(ctx context.Context, db PostgresConn, logger logging.Logger) error {
	return applyEmbeddedDir(ctx, db, logger, "schema")
}

// ApplySeeds executes the embedded seed files in lexical order. Seeds use
// ON CONFLICT DO NOTHING so existing rows are left alone.
func ApplySeeds(ctx context.Context, db PostgresConn, logger logging.Logger) error {
	return applyEmbeddedDir(ctx, db, logger, "seeds")
}

func applyEmbeddedDir(ctx context.Context, db PostgresConn, logger logging.Logger, dir string) error {
	entries, err := fs.ReadDir(dbsql.Content, dir)
	if err != nil {
		return fmt.Errorf("read embedded %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := dir + "/" + name
		content, err := fs.ReadFile(dbsql.Content, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply %s: %w", path, err)
		}
		logger.WithField("file", path).Info("Applied SQL file")
	}
	return nil
}
