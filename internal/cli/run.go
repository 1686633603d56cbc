package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nsai-detect/backend/internal/ingestion"
	"github.com/nsai-detect/backend/internal/pipeline"
	"github.com/nsai-detect/backend/internal/storage/models"
)

var (
	runConfidence float64
	runIoU        float64
	runSlice      int
	runOverlap    float64
	runRules      string
	runNoSymbolic bool
	runOutDir     string
	runAnnotate   bool
)

var runCmd = &cobra.Command{
	Use:   "run <image>...",
	Short: "Run the full pipeline over images and export every stage",
	Long: `Run creates a job for the given images and processes it in the
foreground: sliced inference, duplicate suppression, then symbolic
refinement. Detections for each stage and the explainability report are
written under <out>/<job id>/.

Examples:
  nsai run scene.png
  nsai run a.tif b.tif --slice 1024 --overlap 0.25
  nsai run scene.png --rules neo4j://aerial --annotate
  nsai run scene.png --no-symbolic`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Float64Var(&runConfidence, "conf", 0, "confidence threshold (default from config)")
	runCmd.Flags().Float64Var(&runIoU, "iou", 0, "NMS IoU threshold (default from config)")
	runCmd.Flags().IntVar(&runSlice, "slice", 0, "square slice size in pixels (default from config)")
	runCmd.Flags().Float64Var(&runOverlap, "overlap", 0, "slice overlap ratio (default from config)")
	runCmd.Flags().StringVarP(&runRules, "rules", "r", "", "rules source: file path or neo4j://<rule set>")
	runCmd.Flags().BoolVar(&runNoSymbolic, "no-symbolic", false, "skip symbolic refinement")
	runCmd.Flags().StringVarP(&runOutDir, "out", "o", "", "results directory (default from config)")
	runCmd.Flags().BoolVar(&runAnnotate, "annotate", false, "also write annotated PNGs of the refined stage")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	jobCfg := pipeline.DefaultJobConfig(cfg.Pipeline)
	if flags.Changed("conf") {
		jobCfg.ConfidenceThreshold = runConfidence
	}
	if flags.Changed("iou") {
		jobCfg.IoUThreshold = runIoU
	}
	if flags.Changed("slice") {
		jobCfg.SliceWidth = runSlice
		jobCfg.SliceHeight = runSlice
	}
	if flags.Changed("overlap") {
		jobCfg.OverlapRatio = runOverlap
	}
	if runRules != "" {
		jobCfg.SymbolicReasoning.RulesSource = runRules
	}
	if runNoSymbolic {
		jobCfg.SymbolicReasoning.Enabled = false
	}

	if err := pipeline.ValidateConfig(jobCfg); err != nil {
		return err
	}

	processor := ingestion.NewProcessor(cfg.Storage.AllowedTypes, cfg.Storage.MaxImages)
	images, err := processor.RegisterImages(ctx, args)
	if err != nil {
		return fmt.Errorf("register images: %w", err)
	}

	jobID, err := svc.Store.CreateJob(ctx, images, jobCfg)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	printf(cmd, "Job %s: %d image(s)\n", jobID, len(images))

	runErr := svc.Coordinator.Run(ctx, jobID)

	job, err := svc.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	printJobSummary(cmd, job)

	if job.Status != models.StatusCompleted {
		return fmt.Errorf("job %s failed: %w", jobID, runErr)
	}

	outDir := runOutDir
	if outDir == "" {
		outDir = cfg.Storage.ResultsDir
	}
	written, err := exportJob(ctx, job, outDir, runAnnotate)
	if err != nil {
		return err
	}
	printf(cmd, "Wrote %d file(s) to %s\n", written, outDir)
	return nil
}

func printJobSummary(cmd *cobra.Command, job *models.Job) {
	printf(cmd, "Status: %s (%.0f%%)\n", job.Status, job.Progress.Percentage)
	if job.Error != nil {
		printf(cmd, "Error: [%s] %s\n", job.Error.Code, job.Error.Message)
	}

	s := job.Summary
	for _, stage := range models.DetectionStages {
		if n, ok := s.Detections[stage]; ok {
			printf(cmd, "  %-8s %d detection(s)\n", stage, n)
		}
	}
	if s.RulesLoaded > 0 || s.Adjustments > 0 {
		printf(cmd, "  rules loaded: %d, adjustments: %d\n", s.RulesLoaded, s.Adjustments)
	}
	if len(s.FailedImages) > 0 {
		printf(cmd, "  failed images: %v\n", s.FailedImages)
	}
	for _, w := range s.Warnings {
		printf(cmd, "  warning: %s\n", w)
	}
}
