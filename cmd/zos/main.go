// Command zos is the watcher: it ingests chat observations, runs the
// salience ledger, schedules reflection layers, and serves the
// introspection API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/storage/sqlite"
	"github.com/zos-ai/zos/internal/telemetry"
)

var version = "0.1.0-dev"

var (
	cfgPath string
	cfg     *config.Config

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "zos",
	Short:         "zos watches conversations and reflects on what it sees",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return telemetry.Init(cmd.Context(), "zos", version)
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		telemetry.Shutdown(cmd.Context())
	},
}

// openStore opens the configured database.
func openStore(ctx context.Context) (*sqlite.Store, error) {
	return sqlite.New(ctx, cfg.Database)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default zos.yaml)")

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
