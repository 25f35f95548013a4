package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"CandleFlow/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the effective configuration",
	Long: `Load the config file with environment overrides applied, validate it
and print the result as YAML. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithEnv(configPath)
		if err != nil {
			return err
		}
		masked := *cfg
		if masked.Sources.Finnhub.APIKey != "" {
			masked.Sources.Finnhub.APIKey = "***"
		}
		if masked.ClickHouse.Password != "" {
			masked.ClickHouse.Password = "***"
		}
		if masked.Redis.Password != "" {
			masked.Redis.Password = "***"
		}
		out, err := yaml.Marshal(&masked)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
