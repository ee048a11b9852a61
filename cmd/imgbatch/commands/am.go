package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage imgbatch configuration",
	Long: `Display and manage imgbatch configuration.

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/imgbatch/config.toml)
3. User config (~/.imgbatch/config.toml)
4. Project config (./imgbatch.toml, searched up directories)
5. Environment variables (IMGBATCH_* prefix, plus ./.env for unset ones)

Examples:
  imgbatch am show                    # Show effective configuration
  imgbatch am show --format json      # Show it as JSON
  imgbatch am get pulse.workers       # Get one value
  imgbatch am init                    # Write ./imgbatch.toml with defaults
  imgbatch am check imgbatch.toml     # Report unknown or invalid settings`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a configuration value using dot notation (e.g. database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Long:  "Write the default configuration as TOML. An existing file is rotated to .back1 first.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var amCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a configuration file",
	Long:  "Validate a configuration file and report keys that match no option.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmCheck,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files are loaded",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amCheckCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	case "toml":
		data, err := am.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# imgbatch configuration\n%s", string(data))
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.Newf("configuration key %q not found", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.ProjectConfigName
	if len(args) == 1 {
		path = args[0]
	}

	_, statErr := os.Stat(path)
	if err := am.WriteFile(path, am.Default()); err != nil {
		return err
	}
	if statErr == nil {
		pterm.Info.Printfln("Previous %s kept as %s.back1", path, path)
	}
	pterm.Success.Printfln("Wrote default configuration to %s", path)
	return nil
}

func runAmCheck(cmd *cobra.Command, args []string) error {
	if _, err := am.Check(args[0]); err != nil {
		for _, detail := range errors.GetAllDetails(err) {
			pterm.Warning.Println(detail)
		}
		return err
	}
	pterm.Success.Printfln("%s is valid", args[0])
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(cmd.OutOrStdout(), "  1. [DEFAULT]  Built-in defaults")
	fmt.Fprintln(cmd.OutOrStdout(), "  2. [SYSTEM]   /etc/imgbatch/config.toml")
	fmt.Fprintln(cmd.OutOrStdout(), "  3. [USER]     ~/.imgbatch/config.toml")
	fmt.Fprintf(cmd.OutOrStdout(), "  4. [PROJECT]  ./%s (searches up directories)\n", am.ProjectConfigName)
	fmt.Fprintf(cmd.OutOrStdout(), "  5. [ENV]      IMGBATCH_* environment variables (./%s fills unset ones)\n", am.DotEnvName)
	fmt.Fprintln(cmd.OutOrStdout())

	paths := am.ConfigPaths()
	if len(paths) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No configuration files found; using defaults and environment.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Loaded files:")
	for _, p := range paths {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
	}
	return nil
}
