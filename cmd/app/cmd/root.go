package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "candleflow",
	Short: "Real-time multi-timeframe OHLCV candle engine",
	Long: `CandleFlow turns live trade and candle feeds into rolling OHLCV series
for every configured source, instrument and timeframe.

Series are seeded from the history store, persisted as candles close and
served over HTTP and WebSocket.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the YAML config file")
}
