package database

import (
	"context"
	"fmt"
	"io/fs"

	"quickrevert/pkg/logging"
)

// ApplySchema executes an embedded SQL file. The file must be idempotent
// (CREATE ... IF NOT EXISTS); there is no version tracking.
func ApplySchema(ctx context.Context, db PostgresConn, files fs.FS, path string, logger logging.Logger) error {
	content, err := fs.ReadFile(files, path)
	if err != nil {
		return fmt.Errorf("failed to read embedded SQL file %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to apply %s: %w", path, err)
	}
	logger.WithField("file", path).Info("Schema applied")
	return nil
}
