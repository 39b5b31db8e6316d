package commands

import (
	"github.com/shizukutanaka/nftfence/internal/app"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run commands on directory changes and timers",
	Long: `Watch blacklist.d, whitelist.d and patterns.d and run load or blacklist
when they change. Blacklist, whitelist and tidy also run on their
configured intervals. Every run goes through the scheduler lock and queue,
so watch can share a host with cron invocations.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.Application) error {
			return a.Watch()
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
