package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"replywatch/internal/display"
	"replywatch/internal/models"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and control mailbox sync",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <mailbox>",
	Short: "Show a mailbox's sync checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cp models.Checkpoint
		if err := getJSON("/checkpoints/"+args[0], &cp); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(cp)
			return nil
		}
		fmt.Printf("%s %s\n", display.StatusLabel(cp.SyncStatus), display.Bold.Render(cp.Mailbox))
		fmt.Printf("  provider  %s\n", cp.Provider)
		fmt.Printf("  position  %s\n", cp.LastPosition)
		fmt.Printf("  checked   %s\n", display.Ago(cp.LastCheckedAt))
		if cp.ConsecutiveErrors > 0 {
			fmt.Printf("  errors    %s\n", display.ErrStyle.Render(fmt.Sprintf("%d consecutive", cp.ConsecutiveErrors)))
		}
		return nil
	},
}

func checkpointAction(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mailbox>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]string
			if err := postJSON("/checkpoints/"+args[0]+path, nil, &resp); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(resp)
				return nil
			}
			fmt.Printf("%s %s is now %s\n", display.Success.Render("✓"), args[0], resp["sync_status"])
			return nil
		},
	}
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointAction("pause", "Pause scheduling for a mailbox", "/pause"))
	checkpointCmd.AddCommand(checkpointAction("resume", "Resume scheduling after re-auth or repair", "/resume"))
}
