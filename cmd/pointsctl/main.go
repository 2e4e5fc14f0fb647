// Command pointsctl is the operator CLI for the points engine: schema
// migrations, catalog validation, ladder inspection and manual job runs.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/choreboard/points-engine/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pointsctl",
	Short: "Operate the chore points engine",
	Long: `pointsctl manages a points engine deployment: it applies database
migrations, validates badge catalogs, shows participant ladders and runs the
rollover and evaluation jobs by hand.

Configuration is read from the environment and an optional .env file, the
same way the api and worker binaries read it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	envFile string
	verbose bool
)

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log infrastructure activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration the binaries share.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// cliLogger keeps stdout for command output.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
