package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's lifecycle state, attempt, and artifacts",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail("%v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer st.Close()

	detail, err := st.GetJob(context.Background(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		fail("job %s not found", args[0])
	}
	if err != nil {
		fail("%v", err)
	}

	job := detail.Job
	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("User:     %s\n", job.UserID)
	fmt.Printf("Prompt:   %s\n", job.Prompt)
	fmt.Printf("Status:   %s\n", colorStatus(job.Status))
	fmt.Printf("Reserved: %d tokens\n", job.TokensReserved)
	fmt.Printf("Created:  %s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if job.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", job.ErrorMessage)
	}
	if detail.Attempt.JobID != "" {
		fmt.Printf("Attempt:  %s (%d tokens)\n", detail.Attempt.Status, detail.Attempt.TokensUsed)
	}
	for _, a := range detail.Artifacts {
		fmt.Printf("Artifact: [%s] %s\n", a.Kind, a.URL)
	}
}

func colorStatus(s store.JobStatus) string {
	switch s {
	case store.StatusCompleted:
		return color.GreenString(string(s))
	case store.StatusFailed:
		return color.RedString(string(s))
	case store.StatusProcessing:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
