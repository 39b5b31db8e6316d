package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shizukutanaka/nftfence/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const Version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nftfence",
	Short: "Log-driven nftables blacklist and whitelist manager",
	Long: `nftfence scans log files for offending addresses, keeps an incident
history in sqlite and maintains nftables sets from the blacklist.d and
whitelist.d directories. Runs are serialised by a lock; requests that
arrive while it is held are queued and run by the lock holder.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/nftfence/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(`nftfence {{.Version}}
`)
}

// withApp loads the configuration, builds the application and runs fn
// with a context cancelled on SIGINT or SIGTERM.
func withApp(fn func(a *app.Application) error) error {
	cfg, factory, err := app.LoadConfig(cfgFile, verbose)
	if err != nil {
		return err
	}
	defer factory.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := factory.Root()
	a, err := app.New(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to close", zap.Error(err))
		}
	}()

	return fn(a)
}
