package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/db"
	"github.com/teranos/publish/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the database",
	Long: `Manage the publisher database.

Examples:
  publish db migrate        # Apply pending migrations
  publish db stats          # Show job and item counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (default: database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func resolveDBPath() (string, error) {
	if dbPathFlag != "" {
		return dbPathFlag, nil
	}
	cfg, err := am.Load()
	if err != nil {
		return "", errors.Wrap(err, "failed to load configuration")
	}
	return cfg.GetDatabasePath(), nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	version, err := db.SchemaVersion(database)
	if err != nil {
		return err
	}
	list, err := db.Migrations()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is at schema version %s (%d migrations)\n", path, version, len(list))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database Statistics\n")
	fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(out, "Database Path: %s\n", path)
	if version, err := db.SchemaVersion(database); err == nil {
		fmt.Fprintf(out, "Schema Version: %s\n", version)
	}
	fmt.Fprintln(out)

	rows, err := database.Query(`SELECT state, COUNT(*) FROM publish_jobs GROUP BY state ORDER BY state`)
	if err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}
	fmt.Fprintln(out, "Jobs:")
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan job counts")
		}
		fmt.Fprintf(out, "  %-10s %d\n", state, n)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = database.Query(`SELECT db, COUNT(*) FROM items GROUP BY db ORDER BY db`)
	if err != nil {
		return errors.Wrap(err, "failed to count items")
	}
	defer rows.Close()
	fmt.Fprintln(out, "\nItems:")
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return errors.Wrap(err, "failed to scan item counts")
		}
		fmt.Fprintf(out, "  %-10s %d\n", name, n)
	}
	return rows.Err()
}
