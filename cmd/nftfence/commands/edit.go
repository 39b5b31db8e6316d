package commands

import (
	"fmt"

	"github.com/shizukutanaka/nftfence/internal/app"
	"github.com/shizukutanaka/nftfence/internal/incident"
	"github.com/spf13/cobra"
)

var editCmd = &cobra.Command{
	Use:   "edit {add|blacklist|delete|remove} ADDRESS...",
	Short: "Manually change incident records and blacklist artifacts",
	Long: `add        store or update records without writing artifacts
blacklist  store records and write blacklist.d artifacts
delete     remove the records and their artifacts
remove     remove the artifacts and keep the records`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEdit,
}

var (
	editPorts   string
	editPattern string
	editMatches int
)

func init() {
	rootCmd.AddCommand(editCmd)

	editCmd.Flags().StringVar(&editPorts, "ports", "", "comma separated ports, all or update")
	editCmd.Flags().StringVar(&editPattern, "pattern", "", "pattern name recorded for new addresses")
	editCmd.Flags().IntVar(&editMatches, "matches", 0, "match count to add (default 1)")
}

func runEdit(cmd *cobra.Command, args []string) error {
	action, err := incident.ParseEditAction(args[0])
	if err != nil {
		return err
	}

	return withApp(func(a *app.Application) error {
		pending, err := a.Edit(incident.EditRequest{
			Action:    action,
			Addresses: args[1:],
			Ports:     editPorts,
			Pattern:   editPattern,
			Matches:   editMatches,
		})
		if err != nil {
			return err
		}
		if pending {
			fmt.Fprintln(cmd.OutOrStdout(), "Firewall reload pending: it runs with the next background command, or now with 'nftfence load'")
		}
		return nil
	})
}
