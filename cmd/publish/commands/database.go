package commands

import (
	"database/sql"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/db"
	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
)

// openDatabase opens and migrates the database at dbPath, falling back to
// database.path from the configuration when dbPath is empty.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
