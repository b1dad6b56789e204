package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Corrah/CorrahFlow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting corrahflow configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration (defaults, config file, and environment
variables merged) in YAML format.

Configuration can be set via:
  - Config file (config.yaml, /etc/corrahflow/config.yaml, $HOME/.corrahflow)
  - Environment variables (PORT, GLOBAL_PROXY, TRANSPORT_ROUTES, API_PASSWORD,
    MPD_MODE, LOG_LEVEL, LOG_FORMAT, FFMPEG_BINARY_PATH)
  - Command-line flags (server host/port, for the serve subcommand)`,
	RunE: runConfigDump,
}

func init() {
	configCmd.AddCommand(configDumpCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling configuration: %w", err)
	}

	fmt.Print(string(out))
	return nil
}
