package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"CandleFlow/internal/di"
	"CandleFlow/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the candle engine and its API",
	Long: `Load the config file, apply CANDLEFLOW_* environment overrides, connect
the sources and sinks and serve until SIGINT or SIGTERM.

Example:
  candleflow serve -c config/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer cleanup()

	return app.Run()
}
