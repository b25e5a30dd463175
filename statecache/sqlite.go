package statecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// dbOptions configures the underlying SQLite connection, mirroring the
// knobs a repository handle cares about: journal mode, synchronous level,
// and busy timeout.
type dbOptions struct {
	JournalMode     string
	Synchronous     string
	BusyTimeout     time.Duration
	ForeignKeys     *bool
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// database is a thin wrapper around *sql.DB with the PRAGMAs keg.db needs
// applied at open time.
type database struct {
	db *sql.DB
}

func openDatabase(path string, opts dbOptions) (*database, error) {
	if path == "" {
		return nil, errors.New("statecache: empty path")
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	syncMode := opts.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	} else {
		// A single writer discipline over one sqlite file; concurrent
		// writers would just contend on SQLITE_BUSY anyway.
		db.SetMaxOpenConns(1)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", syncMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}
	if opts.ForeignKeys == nil || *opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys=OFF")
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("statecache: apply %s: %w", p, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &database{db: db}, nil
}

func (d *database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
