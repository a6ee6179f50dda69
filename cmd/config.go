package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration the server would start with, after the config
file, .env.local and POSTGREDIS_* environment variables have been applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(context.Background(), cmd)
		if err != nil {
			return err
		}

		data, err := conf.YAML()
		if err != nil {
			return err
		}

		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
