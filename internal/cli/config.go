package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/MozGangster/ydsync/internal/config"
	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing ydsync configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration, including defaults and YDSYNC_* overrides",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Keys use the file layout, e.g. sync.local_root
or sync.ignore_patterns. List values are comma separated. Run 'config keys'
to see every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	RunE:  runConfigKeys,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE:  runConfigPath,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset configuration to defaults",
	RunE:  runConfigReset,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configResetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	cfg, _, err := loadConfig()
	if err != nil {
		return out.Fail("config.show", err, utils.ErrCodeInvalidArgument)
	}

	if globalFlags.OutputFmt == types.OutputFormatTable {
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			return out.Fail("config.show", err, utils.ErrCodeInternalError)
		}
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	return out.WriteSuccess("config.show", cfg)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)
	key, value := args[0], args[1]

	dir, err := configDir()
	if err != nil {
		return out.Fail("config.set", err, utils.ErrCodeInvalidArgument)
	}

	if _, err := config.Set(osFs(), dir, key, value); err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).
			WithContext("key", key).
			Build())
	}

	out.Log("Configuration updated: %s = %s", key, value)
	return out.WriteSuccess("config.set", map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)
	keys := config.Keys()
	sort.Strings(keys)
	return out.WriteSuccess("config.keys", keyList(keys))
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	dir, err := configDir()
	if err != nil {
		return out.Fail("config.path", err, utils.ErrCodeInvalidArgument)
	}
	path := filepath.Join(dir, config.ConfigFileName)
	if globalFlags.OutputFmt == types.OutputFormatTable {
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	}
	return out.WriteSuccess("config.path", map[string]interface{}{"path": path})
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	dir, err := configDir()
	if err != nil {
		return out.Fail("config.reset", err, utils.ErrCodeInvalidArgument)
	}

	cfg := config.DefaultConfig()
	if err := cfg.SaveTo(osFs(), dir); err != nil {
		return out.WriteError("config.reset", utils.NewCLIError(utils.ErrCodeUnknown,
			fmt.Sprintf("Failed to reset configuration: %v", err)).Build())
	}

	out.Log("Configuration reset to defaults")
	return out.WriteSuccess("config.reset", map[string]interface{}{"path": filepath.Join(dir, config.ConfigFileName)})
}

type keyList []string

func (k keyList) Headers() []string { return []string{"Key"} }

func (k keyList) Rows() [][]string {
	rows := make([][]string, 0, len(k))
	for _, key := range k {
		rows = append(rows, []string{key})
	}
	return rows
}

func (k keyList) EmptyMessage() string { return "No keys" }
