package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "loqa-captions",
	Short:         "Live captions and translation from the microphone",
	Long:          `loqa-captions streams microphone audio to a recognition backend and renders incremental transcripts in the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(converseCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(languagesCmd)
	rootCmd.AddCommand(wavCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
