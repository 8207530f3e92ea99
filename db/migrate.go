package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/publish/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file. Version is the numeric file prefix.
type Migration struct {
	Version string
	File    string
}

// Migrations lists the embedded migrations in apply order
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, _ := strings.Cut(name, "_")
		list = append(list, Migration{Version: version, File: name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].File < list[j].File })
	return list, nil
}

// AppliedVersions returns the versions recorded in schema_migrations. A
// database that has never been migrated has no such table and yields an error.
func AppliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan applied migration")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// SchemaVersion returns the highest applied migration version
func SchemaVersion(db *sql.DB) (string, error) {
	var version sql.NullString
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return "", errors.Wrap(err, "failed to read schema version")
	}
	return version.String, nil
}

// Migrate applies every pending migration, each in its own transaction.
// logger may be nil.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	list, err := Migrations()
	if err != nil {
		return err
	}

	// 000 creates schema_migrations, so an unreadable table only means a
	// fresh database while 000 is still pending
	applied, err := AppliedVersions(db)
	if err != nil {
		if len(list) == 0 || list[0].Version != "000" {
			return err
		}
		applied = map[string]bool{}
	}

	var ran int
	for _, m := range list {
		if applied[m.Version] {
			if logger != nil {
				logger.Debugw("Migration already applied", "migration", m.File)
			}
			continue
		}
		if m.Version != "000" && len(applied) == 0 && ran == 0 {
			return errors.Newf("schema_migrations table missing, but migration is not 000: %s", m.File)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		ran++
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.File, "version", m.Version)
		}
	}

	if logger != nil && ran > 0 {
		logger.Infow("Migrations complete", "applied", ran, "total_migrations", len(list))
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.File))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.File)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.File)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.File)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.File)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.File)
}
