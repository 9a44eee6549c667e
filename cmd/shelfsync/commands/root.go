// Package commands implements the shelfsync worker CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/config"
	"github.com/AmenZhou/shelfsync/pkg/metrics"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "shelfsync",
	Short: "shelfsync - bulk library migration worker",
	Long: `shelfsync migrates a local book library into a remote shelf service.
Workers partition the catalog by shard, deduplicate against the remote
inventory, upload new files with retries, and checkpoint durable progress
so any run can resume where it stopped.

Use "shelfsync [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/shelfsync/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("shelfsync %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

// loadConfig loads and validates the configuration, then initializes the
// logger and the metrics registry from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	return cfg, nil
}
