// Package cmd implements the CLI commands for corrahflow.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Corrah/CorrahFlow/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "corrahflow",
	Short:   "Streaming media relay: HLS/DASH rewriting, CENC decrypt, egress routing",
	Version: version.Short(),
	Long: `corrahflow is a streaming media proxy. It rewrites HLS/DASH manifests to
route segment, key, and license requests back through itself, relays AES-128
and ClearKey DRM material, decrypts and remuxes CENC fMP4 segments, and
dispatches site-specific extractors to resolve redirector URLs before
proxying the resulting stream.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, /etc/corrahflow, $HOME/.corrahflow)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and environment variables if set. The
// flat, unprefixed environment surface (PORT, GLOBAL_PROXY, API_PASSWORD,
// ...) is bound by internal/config.Load itself; this only resolves which
// config file (if any) Load should use.
func initConfig() {
	if cfgFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			for _, candidate := range []string{"config.yaml", home + "/.corrahflow.yaml", "/etc/corrahflow/config.yaml"} {
				if _, err := os.Stat(candidate); err == nil {
					cfgFile = candidate
					break
				}
			}
		}
	}
}

// initLogging configures the default slog logger from viper-bound flags.
func initLogging() error {
	level := slog.LevelInfo
	switch strings.ToLower(viper.GetString("logging.level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(viper.GetString("logging.format")) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
