// Package main provides the lorekeep CLI for administration: user and
// key bootstrap, knowledge-base management, uploads, training and
// ad-hoc queries against the local stores.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
)

var (
	cfgFile    string
	outputJSON bool
	verbose    bool

	cfg    *config.Config
	logger *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lorekeep-cli",
	Short: "lorekeep CLI for knowledge-base administration",
	Long: `lorekeep-cli manages a lorekeep deployment from the command line.

Use this tool to:
- Bootstrap the first admin account and API key
- Create knowledge bases and upload documents
- Start training and watch its progress
- Run ad-hoc retrieval queries
- Manage API keys and webhook subscriptions

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A local .env keeps provider keys out of shell history.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}
		level := cfg.Observability.LogLevel
		if !verbose {
			level = "warn"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      logFormat,
			ServiceName: "lorekeep-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newBootstrapCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newKBCmd())
	rootCmd.AddCommand(newKeyCmd())
	rootCmd.AddCommand(newWebhookCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lorekeep-cli 1.0.0")
		},
	}
}
