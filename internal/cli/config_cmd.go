package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/pair-review/pair-review/internal/config"
)

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pair-review configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show the merged configuration, or a single key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		redacted := *appConfig
		if redacted.GitHub.Token != "" {
			redacted.GitHub.Token = "<redacted>"
		}
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return err
		}

		if len(args) == 1 {
			value := gjson.GetBytes(data, args[0])
			if !value.Exists() {
				return fmt.Errorf("unknown config key %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value.String())
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Write one value into config.json, e.g. "pair-review config set analysis.model gpt-5". Values that parse as JSON are stored typed; everything else is stored as a string.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		path := config.Path(configDir)

		existing, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			existing = []byte("{}")
		} else {
			// Strip comments before editing: sjson needs plain JSON.
			existing = jsonc.ToJSON(existing)
		}

		var value any = raw
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			value = parsed
		}

		updated, err := sjson.SetBytes(existing, key, value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}

		var pretty json.RawMessage = updated
		formatted, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			formatted = updated
		}

		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, formatted, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, raw)
		return nil
	},
}
