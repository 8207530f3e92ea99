package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage configuration",
	Long: `Display and manage publisher configuration.

Configuration sources (later overrides earlier):
  1. Built-in defaults
  2. System config (/etc/publish/publish.toml)
  3. User config (~/.publish/publish.toml)
  4. Project config (publish.toml, searched upward from the working directory)
  5. Environment variables (PUBLISH_* prefix, e.g. PUBLISH_PUBLISH_HARD_STOP=true)

A running publish picks up edits to the active config file, so hard stop and
tracing can be switched while it runs.

Examples:
  publish am show                          # Show current configuration
  publish am show --format json            # Show configuration as JSON
  publish am get publish.hard_stop         # Get one value
  publish am set publish.hard_stop true    # Persist a value in the user config
  publish am where                         # Show where each value comes from
  publish am validate                      # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value (dot notation, e.g. publish.mode)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value in the user config file",
	Args:  cobra.ExactArgs(2),
	RunE:  runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	return writeConfig(cmd.OutOrStdout(), cfg, configFormat)
}

// writeConfig renders cfg in the given format
func writeConfig(w io.Writer, cfg *am.Config, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(w, string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# publish configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(w, "# publish configuration\n%s", string(data))

	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !am.GetViper().IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	if err := am.SetValue(args[0], args[1]); err != nil {
		return err
	}
	pterm.Success.Printfln("%s = %s written to %s", args[0], args[1], am.UserConfigPath())
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  [default]      built-in defaults")
	for _, p := range am.SearchPaths() {
		status := "missing"
		if _, err := os.Stat(p.Path); err == nil {
			status = "found"
		}
		fmt.Fprintf(out, "  [%-11s]  %s (%s)\n", p.Source, p.Path, status)
	}
	fmt.Fprintln(out, "  [environment]  PUBLISH_* variables")
	fmt.Fprintln(out)

	rows := [][]string{{"KEY", "VALUE", "SOURCE"}}
	for _, s := range am.Introspect() {
		value := fmt.Sprintf("%v", s.Value)
		if len(value) > 50 {
			value = value[:47] + "..."
		}
		source := string(s.Source)
		if s.SourcePath != "" && s.Source != am.SourceDefault {
			source += " (" + s.SourcePath + ")"
		}
		rows = append(rows, []string{s.Key, value, source})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(rows).Render()
}
