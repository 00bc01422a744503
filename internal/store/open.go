// Package store holds the sqlite plumbing shared by the canonical store and
// the per-player stores: open/pragma setup and the additive migration helpers.
package store

import (
	"context"
	"database/sql"
	"log"
	"os"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Open opens (or creates) a sqlite database with WAL and a busy timeout, then
// applies the optional tuning pragmas.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy_timeout")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=on;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set foreign_keys")
	}
	ApplyTuningPragmas(context.Background(), db)
	return db, nil
}

// ApplyTuningPragmas applies optional sqlite tuning statements when enabled
// via the MV_SQLITE_TUNING environment variable. Each pragma result is logged.
func ApplyTuningPragmas(ctx context.Context, db *sql.DB) {
	if os.Getenv("MV_SQLITE_TUNING") != "1" {
		return
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA mmap_size=268435456;",
	}

	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			log.Printf("sqlite: pragma %s failed: %v", pragma, err)
		} else {
			log.Printf("sqlite: pragma %s => %v", pragma, value)
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
