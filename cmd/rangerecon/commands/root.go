// Package commands wires the rangerecon CLI.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wikiops/rangerecon/pkg/config"
	"github.com/wikiops/rangerecon/pkg/version"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rangerecon",
	Short: "Provider range reconciliation for wikis",
	Long: `rangerecon discovers IP ranges of known hosting and VPN providers that
are not currently blocked, filters them by recent activity, and publishes
a report page per scope.`,
	Version: version.Current,
	// Run: nil (Forces help output).
	Run: nil,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initLogger() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSensitiveData,
	}))
	slog.SetDefault(logger)
}

// redactSensitiveData scrubs sensitive keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	sensitiveKeys := map[string]bool{
		"password": true, "token": true, "secret": true, "api_key": true,
		"auth_token": true, "credential": true, "dsn": true,
	}
	if sensitiveKeys[a.Key] {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue("[REDACTED]"),
		}
	}
	return a
}

func loadConfig() (*config.Config, error) {
	if env := os.Getenv("RANGERECON_CONFIG"); env != "" && !rootCmd.PersistentFlags().Changed("config") {
		cfgFile = env
	}
	return config.Load(cfgFile)
}
