package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run and inspect reflection layers",
}

var reflectTriggerCmd = &cobra.Command{
	Use:   "trigger <layer>",
	Short: "Run one layer immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.sched.Trigger(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "run:     ", run.ID)
		fmt.Fprintln(out, "layer:   ", run.LayerName)
		fmt.Fprintln(out, "status:  ", run.Status)
		fmt.Fprintf(out, "targets:  %d matched, %d processed, %d skipped\n",
			run.TargetsMatched, run.TargetsProcessed, run.TargetsSkipped)
		fmt.Fprintf(out, "insights: %d\n", run.InsightsCreated)
		fmt.Fprintf(out, "tokens:   %d in / %d out ($%.4f)\n",
			run.TokensIn, run.TokensOut, run.EstimatedCost)
		if run.EndedAt != nil {
			fmt.Fprintln(out, "duration:", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
		}
		for _, re := range run.Errors {
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("error: %s/%s: %s", re.Topic, re.Node, re.Error)))
		}
		return nil
	},
}

var reflectJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show scheduled layer jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		jobs, err := store.ListSchedulerJobs(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-24s %-16s %-22s %s", "LAYER", "SCHEDULE", "LAST FIRED", "NEXT FIRE")))
		for _, j := range jobs {
			fmt.Fprintf(out, "%-24s %-16s %-22s %s\n",
				j.LayerName, j.Schedule, jobTime(j.LastFiredAt), jobTime(j.NextFireAt))
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, dimStyle.Render("no jobs recorded; the daemon writes these on start"))
		}
		return nil
	},
}

func jobTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func init() {
	reflectCmd.AddCommand(reflectTriggerCmd, reflectJobsCmd)
	rootCmd.AddCommand(reflectCmd)
}
