package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/artifact"
	"github.com/nsai-detect/backend/internal/inference"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/internal/visualize"
	"github.com/nsai-detect/backend/pkg/logger"
)

// exportJob writes every stage's detections and the explainability report
// under dir/<job id>. Images listed as failed have no artifacts and are
// skipped.
func exportJob(ctx context.Context, job *models.Job, dir string, annotate bool) (int, error) {
	failed := make(map[string]bool, len(job.Summary.FailedImages))
	for _, id := range job.Summary.FailedImages {
		failed[id] = true
	}

	written := 0
	for _, img := range job.Images {
		if failed[img.ID] {
			continue
		}
		for _, stage := range models.DetectionStages {
			dets, err := svc.Store.GetDetections(ctx, job.ID, img.ID, stage)
			if err != nil {
				return written, fmt.Errorf("load %s detections: %w", stage, err)
			}
			if _, err := artifact.SaveStage(dir, job.ID, stage, img, dets); err != nil {
				return written, err
			}
			written++

			if annotate && stage == models.DetectionsRefined {
				if err := saveAnnotated(dir, job.ID, img, dets); err != nil {
					logger.Warn("Failed to annotate image", zap.String("image_id", img.ID), zap.Error(err))
					continue
				}
				written++
			}
		}
	}

	if err := writeReport(ctx, job.ID, filepath.Join(dir, job.ID, "explainability.csv")); err != nil {
		return written, err
	}
	return written + 1, nil
}

func saveAnnotated(dir, jobID string, img models.Image, dets []models.Detection) error {
	pixels, err := inference.LoadImage(img.Path)
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(img.Name, filepath.Ext(img.Name))
	path := filepath.Join(dir, jobID, "annotated", base+".png")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create annotated dir: %w", err)
	}
	return visualize.Save(path, visualize.Annotate(pixels, dets, visualize.Options{}))
}

func writeReport(ctx context.Context, jobID, path string) error {
	records, err := svc.Store.GetExplainabilityReport(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := artifact.WriteReportCSV(f, records); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
