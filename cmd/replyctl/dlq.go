package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"replywatch/internal/display"
	"replywatch/internal/models"
)

var dlqStatus string

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Review dead-lettered jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries awaiting review",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Entries []models.DeadLetterEntry `json:"entries"`
		}
		if err := getJSON(withQuery("/deadletters", "status", dlqStatus), &resp); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp.Entries)
			return nil
		}
		if len(resp.Entries) == 0 {
			fmt.Println(display.Muted.Render("dead-letter store is empty"))
			return nil
		}
		for _, e := range resp.Entries {
			marker := " "
			if e.RequiresManualReview {
				marker = display.ErrStyle.Render("!")
			}
			fmt.Printf("%s %s %s  %-24s  attempts=%d  %s\n",
				marker, display.StatusLabel(e.ReviewStatus), e.ID,
				e.Mailbox, e.TotalAttempts, display.Ago(e.CreatedAt))
		}
		return nil
	},
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a dead-letter entry with its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e models.DeadLetterEntry
		if err := getJSON("/deadletters/"+args[0], &e); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(e)
			return nil
		}
		fmt.Printf("%s %s\n", display.StatusLabel(e.ReviewStatus), display.Bold.Render(e.ID))
		fmt.Printf("  job       %s (%s)\n", e.JobID, e.JobType)
		fmt.Printf("  message   %s\n", e.MessageID)
		fmt.Printf("  mailbox   %s (%s)\n", e.Mailbox, e.Provider)
		fmt.Printf("  error     %s\n", display.ErrStyle.Render(e.LastError))
		if e.RequiresManualReview {
			fmt.Printf("  %s\n", display.ErrStyle.Render("requires manual review"))
		}
		for _, a := range e.Attempts {
			fmt.Printf("  attempt %d  %-8s  healthy %d/%d  %s\n",
				a.Attempt, a.Outcome, a.LayersHealthy, a.LayersExecuted, display.Ago(a.At))
		}
		return nil
	},
}

func dlqAction(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			body := map[string]string{"reviewer": currentUser()}
			if err := postJSON("/deadletters/"+args[0]+path, body, &resp); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(resp)
				return nil
			}
			fmt.Printf("%s %s\n", display.Success.Render("✓"), args[0])
			return nil
		},
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "filter by review status")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqAction("retry", "Re-arm detection with a fresh recheck job", "/retry"))
	dlqCmd.AddCommand(dlqAction("check", "Mark the entry manually checked", "/check"))
	dlqCmd.AddCommand(dlqAction("skip", "Skip the entry", "/skip"))
	dlqCmd.AddCommand(dlqAction("resolve", "Resolve the entry", "/resolve"))
}
