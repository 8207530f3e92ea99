package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/publish/errors"
)

// SQLiteBusyTimeoutMS is how long a writer waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
//
// Pragmas are passed through the DSN so every pooled connection gets them.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to read journal mode")
	}
	if !strings.EqualFold(journalMode, "wal") {
		db.Close()
		return nil, errors.Newf("failed to enable WAL mode, journal_mode is %q", journalMode)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return db, nil
}

// OpenMemory opens a private in-memory database. SQLite gives every connection
// its own in-memory database, so the pool is pinned to one connection.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file::memory:?_foreign_keys=on&_busy_timeout=%d", SQLiteBusyTimeoutMS))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open in-memory database")
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprint(SQLiteBusyTimeoutMS))
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}
