package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zos-ai/zos/internal/storage/sqlite/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database path and schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "database:", store.Path())
		fmt.Fprintf(out, "schema:   version %d (latest %d)\n", v, migrations.Latest())
		if v < migrations.Latest() {
			fmt.Fprintln(out, "status:   migration pending; run `zos db migrate`")
		} else {
			fmt.Fprintln(out, "status:   up to date")
		}
		return nil
	},
}

var migrateTarget int

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.MigrateTo(cmd.Context(), migrateTarget); err != nil {
			return err
		}
		v, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database at schema version %d\n", v)
		return nil
	},
}

var pruneKeepDays int

var dbPruneCallsCmd = &cobra.Command{
	Use:   "prune-calls",
	Short: "Delete old model call log rows",
	Long: `Delete call log rows older than the retention window. The call log
is the only table zos ever deletes from; every other table is append-only.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.PruneCalls(cmd.Context(), pruneKeepDays)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d call record(s) older than %d days\n", n, pruneKeepDays)
		return nil
	},
}

func init() {
	dbMigrateCmd.Flags().IntVar(&migrateTarget, "target", 0, "target schema version (0 = latest)")
	dbPruneCallsCmd.Flags().IntVar(&pruneKeepDays, "keep-days", 30, "retention window in days")
	dbCmd.AddCommand(dbStatusCmd, dbMigrateCmd, dbPruneCallsCmd)
	rootCmd.AddCommand(dbCmd)
}
