package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zos-ai/zos/internal/layer"
	"github.com/zos-ai/zos/internal/prompt"
)

var layerCmd = &cobra.Command{
	Use:   "layer",
	Short: "Reflection layer tools",
}

var layerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded layers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := layer.NewRegistry(cfg.LayersDir)
		if err := reg.Load(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-24s %-14s %-12s %-10s %s", "NAME", "SCHEDULE", "THRESHOLD", "TARGETS", "CATEGORY")))
		for _, l := range reg.List() {
			sched := l.Schedule
			if sched == "" {
				sched = "-"
			}
			fmt.Fprintf(out, "%-24s %-14s %-12d %-10d %s\n",
				l.Name, sched, l.TriggerThreshold, l.MaxTargets, l.TargetCategory)
		}
		for _, w := range reg.Warnings() {
			fmt.Fprintln(out, dimStyle.Render("warning: "+w))
		}
		return nil
	},
}

var layerValidateCmd = &cobra.Command{
	Use:   "validate <name>",
	Short: "Validate one layer and its prompt templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := layer.NewRegistry(cfg.LayersDir)
		if err := reg.Load(); err != nil {
			return err
		}
		l, ok := reg.Get(args[0])
		if !ok {
			return fmt.Errorf("layer %q not found in %s", args[0], cfg.LayersDir)
		}

		renderer := prompt.NewRenderer(cfg.PromptsDir)
		var problems []string
		for _, n := range l.Nodes {
			if n.Type != layer.NodeLLMCall {
				continue
			}
			if _, ok := cfg.Models.Profiles[n.LLMCall.Model]; !ok {
				problems = append(problems, fmt.Sprintf("unknown model profile %q", n.LLMCall.Model))
			}
			if err := renderer.Check(n.LLMCall.PromptTemplate); err != nil {
				problems = append(problems, err.Error())
			}
		}

		out := cmd.OutOrStdout()
		for _, w := range l.Warnings() {
			fmt.Fprintln(out, dimStyle.Render("warning: "+w))
		}
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintln(out, "problem:", p)
			}
			return fmt.Errorf("layer %s has %d problem(s)", l.Name, len(problems))
		}
		fmt.Fprintf(out, "layer %s ok (%d nodes, hash %.12s)\n", l.Name, len(l.Nodes), l.Hash)
		return nil
	},
}

func init() {
	layerCmd.AddCommand(layerListCmd, layerValidateCmd)
	rootCmd.AddCommand(layerCmd)
}
