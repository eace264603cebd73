package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration tools",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration bundle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// PersistentPreRunE already loaded and validated; report what held.
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "config ok")
		fmt.Fprintln(out, "database:   ", cfg.Database)
		fmt.Fprintln(out, "layers dir: ", cfg.LayersDir)
		fmt.Fprintln(out, "prompts dir:", cfg.PromptsDir)
		fmt.Fprintln(out, "http addr:  ", cfg.HTTP.Addr)
		fmt.Fprintf(out, "profiles:    %d model profile(s)\n", len(cfg.Models.Profiles))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
