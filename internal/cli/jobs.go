package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs [job id]",
	Short: "List recent jobs or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobs,
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "max results")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) == 1 {
		job, err := svc.Store.GetJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		printf(cmd, "Job %s, created %s\n", job.ID, job.CreatedAt.Format("2006-01-02 15:04:05"))
		for _, img := range job.Images {
			printf(cmd, "  %s  %s (%dx%d)\n", img.ID, img.Name, img.Width, img.Height)
		}
		printJobSummary(cmd, job)
		return nil
	}

	jobs, err := svc.Store.ListJobs(ctx, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		printf(cmd, "No jobs found.\n")
		return nil
	}

	for _, job := range jobs {
		printf(cmd, "%s  %-10s %-22s %5.1f%%  %d image(s)  %s\n",
			job.ID, job.Status, job.Stage, job.Progress.Percentage, len(job.Images),
			job.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
