package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ewrogers/postgredis/cmd/gen"
	"github.com/ewrogers/postgredis/internal/env"
)

// Path of the YAML config file, if any
var configPath string

var RootCmd = &cobra.Command{
	Use:   "postgredis",
	Short: "A Redis compatible server",
	Long: `postgredis speaks the Redis wire protocol over TCP and handles every
command on a single router goroutine.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(PingCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(ConfigCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the config and applies the flags the user actually set.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*env.Config, error) {
	conf, err := env.LoadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()

	if flags.Changed("host") {
		conf.Host = host
	}

	if flags.Changed("port") {
		conf.Port = port
	}

	if flags.Changed("http-port") {
		conf.HTTPPort = httpPort
	}

	return conf, conf.Validate()
}
