package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"replywatch/internal/display"
	"replywatch/internal/models"
)

var snapshotPeriod string

var snapshotCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Show closed metric periods",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Snapshots []models.MetricsSnapshot `json:"snapshots"`
		}
		if err := getJSON(withQuery("/snapshots", "period", snapshotPeriod), &resp); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp.Snapshots)
			return nil
		}
		if len(resp.Snapshots) == 0 {
			fmt.Println(display.Muted.Render("no snapshots yet"))
			return nil
		}
		for _, s := range resp.Snapshots {
			fmt.Printf("%-7s %s  jobs=%-5d replies=%-5d dead=%-4d quorum_fail=%-4d p95=%dms\n",
				s.PeriodType, s.PeriodStart.Format("2006-01-02 15:04"),
				s.JobsProcessed, s.RepliesFound, s.DeadLettered, s.QuorumFailures, s.LatencyP95Ms)
		}
		return nil
	},
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotPeriod, "period", "", "filter by period type (hourly, daily, weekly)")
}
