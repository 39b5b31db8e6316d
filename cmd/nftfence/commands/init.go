package commands

import (
	"fmt"

	"github.com/shizukutanaka/nftfence/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration and create the directories",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "rewrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	created, err := app.Init(logger, cfgFile, initForce)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(created) == 0 {
		fmt.Fprintln(out, "All directories already exist")
		return nil
	}
	fmt.Fprintln(out, "Directories created:")
	for _, dir := range created {
		fmt.Fprintf(out, "  - %s\n", dir)
	}
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add pattern files to patterns.d")
	fmt.Fprintln(out, "  2. Run 'nftfence load' to install the ruleset")
	return nil
}
