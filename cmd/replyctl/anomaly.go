package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"replywatch/internal/display"
	"replywatch/internal/models"
)

var anomalyStatus string

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Triage detection anomalies",
}

var anomalyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Anomalies []models.Anomaly `json:"anomalies"`
		}
		if err := getJSON(withQuery("/anomalies", "status", anomalyStatus), &resp); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp.Anomalies)
			return nil
		}
		if len(resp.Anomalies) == 0 {
			fmt.Println(display.Muted.Render("no anomalies"))
			return nil
		}
		for _, a := range resp.Anomalies {
			target := a.Mailbox
			if target == "" {
				target = a.JobID
			}
			fmt.Printf("%s %-20s %-24s %s  %s\n",
				display.SeverityDot(a.Severity), a.Type, target, a.ID, display.Ago(a.CreatedAt))
		}
		return nil
	},
}

var anomalyResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve an anomaly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]string
		if err := postJSON("/anomalies/"+args[0]+"/resolve", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp)
			return nil
		}
		fmt.Printf("%s resolved\n", display.Success.Render("✓"))
		return nil
	},
}

func init() {
	anomalyListCmd.Flags().StringVar(&anomalyStatus, "status", "open", "filter by status (empty for all)")
	anomalyCmd.AddCommand(anomalyListCmd)
	anomalyCmd.AddCommand(anomalyResolveCmd)
}
