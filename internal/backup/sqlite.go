package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// vacuumInto writes a consistent copy of the journal to dest. VACUUM INTO
// sees committed WAL frames, so the journal may stay open in another
// connection.
func vacuumInto(ctx context.Context, source, dest string) error {
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return fmt.Errorf("backup: open journal: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("backup: journal not readable: %w", err)
	}
	quoted := strings.ReplaceAll(dest, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return fmt.Errorf("backup: vacuum into %s: %w", dest, err)
	}
	return nil
}

// verify runs PRAGMA integrity_check on a database file.
func verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check on %s: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check on %s failed: %s", path, result)
	}
	return nil
}

// copyVerified copies a verified snapshot over target and checks the result.
// target must not be open elsewhere.
func copyVerified(ctx context.Context, snapshot, target string) error {
	if err := verify(ctx, snapshot); err != nil {
		return err
	}

	src, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("backup: copy snapshot: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("backup: sync %s: %w", target, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("backup: close %s: %w", target, err)
	}

	// Stale WAL files would be replayed over the restored pages.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(target + suffix)
	}
	return verify(ctx, target)
}
