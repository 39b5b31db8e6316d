package commands

import (
	"github.com/shizukutanaka/nftfence/internal/app"
	"github.com/spf13/cobra"
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Scan logs and blacklist offending addresses",
	Long: `Scan the log files named by the pattern files, record matches in the
incident store and write blacklist.d artifacts for addresses over the
block_after threshold. Stale artifacts are expired.`,
	Args: cobra.NoArgs,
	RunE: runBlacklist,
}

var (
	scanOnly       bool
	blacklistMatch string
)

func init() {
	rootCmd.AddCommand(blacklistCmd)

	blacklistCmd.Flags().BoolVar(&scanOnly, "scan-only", false, "print matches without changing anything")
	blacklistCmd.Flags().StringVar(&blacklistMatch, "pattern", "", "scan using a single pattern file")
}

func runBlacklist(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.Application) error {
		return a.Blacklist(app.BlacklistOptions{
			Pattern:  blacklistMatch,
			ScanOnly: scanOnly,
			Out:      cmd.OutOrStdout(),
		})
	})
}
