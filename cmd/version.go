package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ewrogers/postgredis/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), meta.GetInfo())
		return nil
	},
}
