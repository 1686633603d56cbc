package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nsai-detect/backend/internal/artifact"
)

var reportOut string

var reportCmd = &cobra.Command{
	Use:   "report <job id>",
	Short: "Export the explainability report of a job as CSV",
	Long: `Report writes one CSV row per detection whose confidence a rule changed:
the action, the class pair, both detections, the confidence before and
after, and the rule weight.

Examples:
  nsai report 3f2c...
  nsai report 3f2c... --out adjustments.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "output file (default: stdout)")
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	job, err := svc.Store.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	if reportOut != "" {
		if err := writeReport(ctx, job.ID, reportOut); err != nil {
			return err
		}
		printf(cmd, "Report written to %s\n", reportOut)
		return nil
	}

	records, err := svc.Store.GetExplainabilityReport(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	return artifact.WriteReportCSV(cmd.OutOrStdout(), records)
}
