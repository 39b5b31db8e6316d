package commands

import (
	"github.com/shizukutanaka/nftfence/internal/app"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the incident store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.Application) error {
			return a.List(cmd.OutOrStdout())
		})
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
