// Package config provides CLI commands for managing imagebatch configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/Iron-Ham/imagebatch/internal/config"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify imagebatch configuration",
	Long: `View or modify imagebatch configuration.

Use 'config show' to display the effective configuration.
Use subcommands to modify settings or create a config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  imagebatch config set batch.max_tasks_per_file 200
  imagebatch config set batch.poll_interval 1m
  imagebatch config set planner.entity_types character,location

Run 'imagebatch config show' to list every key. The resulting configuration
is validated before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/imagebatch/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in your editor",
	Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
	RunE: runConfigEdit,
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset configuration to defaults",
	Long: `Reset configuration values to their defaults.

Without arguments, resets all configuration to defaults.
With a key argument, resets only that specific key.

Examples:
  imagebatch config reset                      # Reset all to defaults
  imagebatch config reset batch.poll_interval  # Reset only batch.poll_interval`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigReset,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configResetCmd)
	configCmd.AddCommand(configValidateCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// secretKeys are never printed.
var secretKeys = map[string]bool{
	"remote.api_key":      true,
	"remote.access_token": true,
}

// defaults returns every known key with its default value.
func defaults() map[string]any {
	v := viper.New()
	appconfig.SetDefaultsOn(v)
	out := make(map[string]any)
	for _, k := range v.AllKeys() {
		out[k] = v.Get(k)
	}
	return out
}

func knownKeys() []string {
	d := defaults()
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatValue renders a setting for display, hiding secrets.
func formatValue(key string, value any) string {
	if secretKeys[key] {
		if s, ok := value.(string); ok && s != "" {
			return "(set)"
		}
		return "(not set)"
	}
	switch v := value.(type) {
	case time.Duration:
		return v.String()
	case []string:
		return strings.Join(v, ",")
	}
	return fmt.Sprint(value)
}

// parseValue converts raw to the type of the key's default.
func parseValue(key, raw string) (any, error) {
	def, ok := defaults()[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'imagebatch config show' to see valid keys", key)
	}
	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected a duration such as 30s or 2h", key)
		}
		return d.String(), nil
	case []string:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return raw, nil
}

func printSettings(w io.Writer, v *viper.Viper) {
	for _, k := range knownKeys() {
		fmt.Fprintf(w, "  %s: %s\n", k, formatValue(k, v.Get(k)))
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Current configuration:")
	fmt.Fprintln(out)
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults)\n")
	}
	fmt.Fprintln(out)
	printSettings(out, viper.GetViper())
	return nil
}

// writeChecked validates the configuration held by viper, then writes it
// to the user's config file.
func writeChecked(w io.Writer) error {
	if _, err := appconfig.Load(); err != nil {
		return fmt.Errorf("configuration would be invalid: %w", err)
	}
	if err := os.MkdirAll(appconfig.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := appconfig.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(w, "Config saved to %s\n", configFile)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	value, err := parseValue(key, raw)
	if err != nil {
		return err
	}
	prev := viper.Get(key)
	viper.Set(key, value)
	if err := writeChecked(cmd.OutOrStdout()); err != nil {
		viper.Set(key, prev)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, formatValue(key, value))
	return nil
}

// defaultConfigContent is the commented file written by 'config init'.
const defaultConfigContent = `# imagebatch configuration
# Every key can also be set through IMAGEBATCH_<SECTION>_<KEY>, e.g.
# IMAGEBATCH_REMOTE_API_KEY.

remote:
  base_url: https://generativelanguage.googleapis.com
  # Prefer IMAGEBATCH_REMOTE_API_KEY over storing the key here
  # api_key: ""
  model: gemini-2.5-flash-image
  request_timeout: 2m

batch:
  # One directory per run is created below this path
  artifact_dir: .imagebatch/runs
  # Requests per request file; each file becomes one job (max 500)
  max_tasks_per_file: 500
  # Chunks submitted at once (1 = sequential)
  submit_concurrency: 1
  # Parallel reference image uploads
  upload_concurrency: 5
  max_retries: 5
  poll_interval: 30s
  poll_request_timeout: 30s
  # Jobs still running after this long are abandoned locally
  max_wait: 1h
  ready_timeout: 60s
  # Delete uploaded request and result files after a complete run
  cleanup_after_success: false

cache:
  # Uploads with less remaining lifetime are sent again
  safety_margin: 1h
  default_lifetime: 48h

apply:
  skip_existing: false
  create_backup: true

dlq:
  # Attempts after which a transient failure is no longer retried
  max_attempts: 3

planner:
  content_dir: content
  skip_generated: true
  entity_types: [character, location, chapter]
  kinds: [generate]

ledger:
  # SQLite database of applied outputs; empty disables it
  path: .imagebatch/ledger.db

logging:
  # debug, info, warn or error
  level: info
  max_size_mb: 10
  max_backups: 3

schedule:
  # [[schedule]] tables run by 'imagebatch daemon'
  file: .imagebatch/schedule.toml
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'imagebatch config set' to modify values", configFile)
	}
	if err := os.MkdirAll(appconfig.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize imagebatch's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: IMAGEBATCH_* (e.g., IMAGEBATCH_BATCH_POLL_INTERVAL)")
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "Config file doesn't exist, creating with defaults...")
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	editorCmd := execCommand(editor, configFile)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config file saved: %s\n", configFile)
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	d := defaults()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		for key, value := range d {
			if !secretKeys[key] {
				viper.Set(key, value)
			}
		}
		fmt.Fprintln(out, "Reset all configuration to defaults.")
	} else {
		key := args[0]
		value, ok := d[key]
		if !ok {
			return fmt.Errorf("unknown configuration key: %s\nRun 'imagebatch config show' to see valid keys", key)
		}
		viper.Set(key, value)
		fmt.Fprintf(out, "Reset %s to default: %s\n", key, formatValue(key, value))
	}
	return writeChecked(out)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := appconfig.Load(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}
