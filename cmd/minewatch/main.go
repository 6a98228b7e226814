package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/minewatch/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "minewatch",
	Short: "Follow satellite mining-detection analyses from the terminal",
	Long: `minewatch polls a running mining-detection analysis, mirrors its map
overlays into a local store and serves them to dashboards over HTTP and MCP.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load(".env")
	if dir, err := os.UserConfigDir(); err == nil {
		_ = godotenv.Load(filepath.Join(dir, "minewatch", ".env"))
	}

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(logger)
	return cfg, nil
}

func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
