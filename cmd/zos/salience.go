package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/ledger"
)

var salienceCmd = &cobra.Command{
	Use:   "salience",
	Short: "Salience ledger operations",
}

var salienceDecayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Apply decay to inactive topics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		bus := eventbus.New()
		bus.Register(eventbus.LogHandler{})
		led := ledger.New(store, cfg, bus)
		n, err := led.RunDecay(cmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "decayed %d topic(s)\n", n)
		return nil
	},
}

var salienceTopLimit int

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

var salienceTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the highest-balance topics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		balances, err := store.TopBalances(cmd.Context(), salienceTopLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-50s %-10s %10s", "TOPIC", "GROUP", "BALANCE")))
		for _, b := range balances {
			fmt.Fprintf(out, "%-50s %-10s %10.2f\n", b.Key, b.BudgetGroup, b.Balance)
		}
		if len(balances) == 0 {
			fmt.Fprintln(out, dimStyle.Render("no topics with positive balance"))
		}
		return nil
	},
}

var salienceResetCmd = &cobra.Command{
	Use:   "reset <topic>",
	Short: "Zero one topic's balance",
	Long: `Write a reset entry clearing the topic's balance. Operator tooling;
the entry stays in the ledger like any other, so the reset is auditable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		bus := eventbus.New()
		bus.Register(eventbus.LogHandler{})
		led := ledger.New(store, cfg, bus)
		cleared, err := led.Reset(cmd.Context(), args[0], "operator_reset")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %.2f from %s\n", cleared, args[0])
		return nil
	},
}

func init() {
	salienceTopCmd.Flags().IntVar(&salienceTopLimit, "limit", 20, "rows to show")
	salienceCmd.AddCommand(salienceDecayCmd, salienceTopCmd, salienceResetCmd)
	rootCmd.AddCommand(salienceCmd)
}
