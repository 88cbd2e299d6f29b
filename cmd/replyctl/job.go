package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"replywatch/internal/display"
	"replywatch/internal/models"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel detection jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job with its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job models.Job
		if err := getJSON("/jobs/"+args[0], &job); err != nil {
			return err
		}
		var runs struct {
			Runs []models.Run `json:"runs"`
		}
		if err := getJSON("/jobs/"+args[0]+"/runs", &runs); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]any{"job": job, "runs": runs.Runs})
			return nil
		}

		fmt.Printf("%s %s\n", display.StatusLabel(job.Status), display.Bold.Render(job.ID))
		fmt.Printf("  message   %s\n", job.MessageID)
		fmt.Printf("  mailbox   %s (%s)\n", job.Mailbox, job.Provider)
		fmt.Printf("  type      %s  priority %d\n", job.Type, job.Priority)
		fmt.Printf("  attempts  %d/%d\n", job.Attempts, job.MaxAttempts)
		if job.ReplyFound {
			fmt.Printf("  verdict   %s\n", display.Success.Render("reply found"))
		} else if job.Status == models.JobVerified {
			fmt.Printf("  verdict   %s\n", display.Muted.Render("no reply"))
		}
		if job.LastError != nil {
			fmt.Printf("  error     %s\n", display.ErrStyle.Render(*job.LastError))
		}
		for _, run := range runs.Runs {
			fmt.Printf("  run %d  %-8s  healthy %d/%d  %s\n",
				run.RunNumber, run.Outcome,
				len(run.Quorum.HealthyLayers), len(run.Layers),
				display.Ago(run.FinishedAt))
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]string
		if err := postJSON("/jobs/"+args[0]+"/cancel", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp)
			return nil
		}
		fmt.Printf("%s %s\n", display.Success.Render("✓"), resp["status"])
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobCancelCmd)
}
