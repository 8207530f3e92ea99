package commands

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/publish/content"
	"github.com/teranos/publish/errors"
)

// ContentCmd groups the content commands
var ContentCmd = &cobra.Command{
	Use:   "content",
	Short: "Import and inspect content",
	Long: `Import and inspect content items.

Content files are YAML or TOML trees of items:

  database: master
  items:
    - id: home
      name: Home
      links: [logo]
      children:
        - id: about

Examples:
  publish content import site.yaml                 # Load into the file's database
  publish content import site.toml --database web  # Load into web instead
  publish content count master web                 # Item counts per database`,
}

var contentImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a YAML or TOML content file",
	Args:  cobra.ExactArgs(1),
	RunE:  runContentImport,
}

var contentCountCmd = &cobra.Command{
	Use:   "count <database>...",
	Short: "Count the items of databases",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runContentCount,
}

var contentFlags struct {
	database string
	dbPath   string
}

func init() {
	contentImportCmd.Flags().StringVar(&contentFlags.database, "database", "", "Database to import into (default: the file's database)")
	ContentCmd.PersistentFlags().StringVar(&contentFlags.dbPath, "db", "", "Database path (default: database.path)")

	ContentCmd.AddCommand(contentImportCmd)
	ContentCmd.AddCommand(contentCountCmd)
}

func runContentImport(cmd *cobra.Command, args []string) error {
	path := args[0]
	format, err := content.FormatFromPath(path)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	doc, err := content.DecodeDocument(f, format)
	if err != nil {
		return errors.WithDetailf(err, "File: %s", path)
	}

	database, err := openDatabase(contentFlags.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := content.NewStore(database).Import(cmd.Context(), doc, contentFlags.database)
	if err != nil {
		return err
	}

	target := contentFlags.database
	if target == "" {
		target = doc.Database
	}
	pterm.Success.Printfln("Imported %d items into %s", n, target)
	return nil
}

func runContentCount(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(contentFlags.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	store := content.NewStore(database)
	rows := [][]string{{"DATABASE", "ITEMS"}}
	for _, name := range args {
		n, err := store.CountItems(cmd.Context(), name)
		if err != nil {
			return err
		}
		rows = append(rows, []string{name, pterm.Sprint(n)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
