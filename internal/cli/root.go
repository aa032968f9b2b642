package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MozGangster/ydsync/internal/config"
	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/MozGangster/ydsync/pkg/version"
	"github.com/spf13/cobra"
)

var (
	globalFlags types.GlobalFlags
	jsonOutput  bool
	logger      logging.Logger = logging.NewNoOpLogger()
	// debugTransport logs HTTP exchanges when --debug is set
	debugTransport *logging.DebugTransport
)

var rootCmd = &cobra.Command{
	Use:   "ydsync",
	Short: "Two-way sync between a local folder and Yandex Disk",
	Long: `ydsync keeps a local folder and a Yandex Disk folder in step.
It plans uploads, downloads, conflicts and deletions from a three-way
comparison against the state of the last sync, then executes the plan.

All commands support JSON and YAML output for automation and scripting.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateGlobalFlags(); err != nil {
			return err
		}

		level := logging.INFO
		if dir, err := configDir(); err == nil {
			if cfg, err := config.LoadFrom(osFs(), dir); err == nil {
				if parsed, err := logging.ParseLevel(cfg.LogLevel); err == nil {
					level = parsed
				}
				if globalFlags.LogFile == "" {
					globalFlags.LogFile = cfg.LogFile
				}
			}
		}

		logConfig := logging.DefaultLogConfig()
		logConfig.Level = level
		logConfig.OutputFile = globalFlags.LogFile
		logConfig.EnableConsole = !globalFlags.Quiet
		logConfig.EnableDebug = globalFlags.Debug
		logConfig.EnableColor = logConfig.EnableColor && !globalFlags.NoColor
		logConfig.EnableTimestamp = true
		if globalFlags.Verbose || globalFlags.Debug {
			logConfig.Level = logging.DEBUG
		}
		if globalFlags.OutputFmt != types.OutputFormatTable && !globalFlags.Verbose && !globalFlags.Debug {
			logConfig.EnableConsole = false
		}

		l, dt, err := logging.NewDebugLoggerWithTransport(logConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		debugTransport = dt
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := newOutput(cmd)
		info := version.Get()
		if globalFlags.OutputFmt == types.OutputFormatTable {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		}
		return out.WriteSuccess("version", info)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.Profile, "profile", "", "Credential profile (defaults to the configured profile)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigDir, "config-dir", "", "Configuration directory (default ~/.config/ydsync)")
	rootCmd.PersistentFlags().StringVar((*string)(&globalFlags.OutputFmt), "output", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (alias for --output json)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Debug, "debug", false, "Log every HTTP exchange")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "Also write JSON log lines to this file")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.NoColor, "no-color", false, "Disable colored log output")

	rootCmd.AddCommand(versionCmd)
}

func validateGlobalFlags() error {
	if jsonOutput {
		globalFlags.OutputFmt = types.OutputFormatJSON
	}
	globalFlags.OutputFmt = types.OutputFormat(strings.ToLower(string(globalFlags.OutputFmt)))

	switch globalFlags.OutputFmt {
	case types.OutputFormatJSON, types.OutputFormatTable, types.OutputFormatYAML:
		return nil
	}
	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
		fmt.Sprintf("invalid output format: %s", globalFlags.OutputFmt)).Build())
}

// Execute runs the root command and exits with the code of the failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			os.Exit(utils.GetExitCode(appErr.CLIError.Code))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(utils.ExitUnknown)
	}
}

// GetGlobalFlags returns the global flags
func GetGlobalFlags() types.GlobalFlags {
	return globalFlags
}
