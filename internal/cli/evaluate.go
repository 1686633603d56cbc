package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nsai-detect/backend/internal/evaluation"
	"github.com/nsai-detect/backend/internal/storage/models"
)

var (
	evalLabels string
	evalJSON   bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <job id>",
	Short: "Score each stage of a job against ground-truth labels",
	Long: `Evaluate compares the raw, NMS and refined detections of a completed job
with label files (one <image name>.txt per image, same line format as the
exported detections, confidence column optional) and prints mAP@0.5 and
mAP@0.5:0.95 per stage.

Examples:
  nsai evaluate 3f2c... --labels ./labels
  nsai evaluate 3f2c... --labels ./labels --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVarP(&evalLabels, "labels", "l", "", "directory of ground-truth label files")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "print the report as JSON")
	_ = evaluateCmd.MarkFlagRequired("labels")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	job, err := svc.Store.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Status != models.StatusCompleted {
		return fmt.Errorf("job %s is %s, only completed jobs can be evaluated", job.ID, job.Status)
	}

	classMap := job.Config.ClassMap
	if len(classMap) == 0 {
		classMap = models.DefaultClassMap
	}

	truths, err := evaluation.LoadGroundTruth(evalLabels, job.Images, classMap)
	if err != nil {
		return err
	}
	if len(truths) == 0 {
		warnf("no label files found in %s", evalLabels)
	}

	evaluator := evaluation.NewEvaluator(svc.Store)
	report, err := evaluator.EvaluateJob(ctx, job, truths)
	if err != nil {
		return err
	}

	if evalJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printf(cmd, "%s", evaluator.GenerateReport(report))
	return nil
}
