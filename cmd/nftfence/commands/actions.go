package commands

import (
	"github.com/shizukutanaka/nftfence/internal/app"
	"github.com/shizukutanaka/nftfence/internal/scheduler"
	"github.com/spf13/cobra"
)

// simpleCommands run one scheduler command with no arguments.
var simpleCommands = []struct {
	cmd   scheduler.Command
	short string
}{
	{scheduler.Load, "Install the nftables ruleset built from blacklist.d and whitelist.d"},
	{scheduler.Whitelist, "Whitelist addresses of recent logins from wtmp"},
	{scheduler.Tidy, "Remove stale records from the incident store"},
	{scheduler.Save, "Save the live ruleset to the compressed backup"},
	{scheduler.Restore, "Flush the live ruleset and restore the backup"},
	{scheduler.Clean, "Remove the ruleset backup"},
}

func init() {
	for _, sc := range simpleCommands {
		command := sc.cmd
		rootCmd.AddCommand(&cobra.Command{
			Use:   command.String(),
			Short: sc.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app.Application) error {
					return a.Run(command)
				})
			},
		})
	}
}
