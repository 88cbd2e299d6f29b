package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	apiURL     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "replyctl",
	Short: "replyctl - operate the reply-detection control plane",
	Long: `replyctl drives the reply-detection API: inspect jobs and their runs,
review dead-lettered jobs, triage anomalies, and pause or resume mailbox
sync.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("REPLYWATCH_API", "http://localhost:8080"), "base URL of the API server")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")

	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(anomalyCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the replyctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
