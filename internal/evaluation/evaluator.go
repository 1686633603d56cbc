// Package evaluation scores stage outputs against ground-truth labels with
// COCO-style mean average precision.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/artifact"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

// DetectionSource is the read side of the job store.
type DetectionSource interface {
	GetDetections(ctx context.Context, jobID, imageID string, stage models.DetectionStage) ([]models.Detection, error)
}

type Evaluator struct {
	store DetectionSource
}

// Result is the score of one stage. MAP50 and MAP are -1 when the ground
// truth holds no objects.
type Result struct {
	MAP50    float64         `json:"map_50"`
	MAP      float64         `json:"map"`
	PerClass map[int]float64 `json:"per_class_ap50"`
	Images   int             `json:"images"`
	Objects  int             `json:"objects"`
}

type Report struct {
	JobID  string                           `json:"job_id"`
	Stages map[models.DetectionStage]Result `json:"stages"`
}

func NewEvaluator(store DetectionSource) *Evaluator {
	return &Evaluator{store: store}
}

// LoadGroundTruth reads <dir>/<image base name>.txt for each image. Images
// without a label file are left out of the result and so out of scoring.
func LoadGroundTruth(dir string, images []models.Image, classMap map[int]string) (map[string][]models.Detection, error) {
	truths := make(map[string][]models.Detection)
	for _, img := range images {
		base := strings.TrimSuffix(img.Name, filepath.Ext(img.Name))
		path := filepath.Join(dir, base+".txt")

		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("No ground truth for image", zap.String("image_id", img.ID), zap.String("path", path))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open labels: %w", err)
		}

		dets, err := artifact.ParseDetections(f, img.ID, img.Width, img.Height, classMap, "")
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		truths[img.ID] = dets
	}
	return truths, nil
}

// EvaluateJob scores every stage of a job. Images that failed (and so have
// no artifacts) count as having no predictions.
func (e *Evaluator) EvaluateJob(ctx context.Context, job *models.Job, truths map[string][]models.Detection) (*Report, error) {
	logger.Info("Evaluating job", zap.String("job_id", job.ID), zap.Int("labelled_images", len(truths)))

	report := &Report{JobID: job.ID, Stages: make(map[models.DetectionStage]Result)}
	for _, stage := range models.DetectionStages {
		preds := make(map[string][]models.Detection)
		for _, img := range job.Images {
			if _, ok := truths[img.ID]; !ok {
				continue
			}
			dets, err := e.store.GetDetections(ctx, job.ID, img.ID, stage)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load %s detections: %w", stage, err)
			}
			preds[img.ID] = dets
		}
		report.Stages[stage] = Evaluate(preds, truths)
	}

	logger.Info("Job evaluated",
		zap.String("job_id", job.ID),
		zap.Float64("raw_map50", report.Stages[models.DetectionsRaw].MAP50),
		zap.Float64("refined_map50", report.Stages[models.DetectionsRefined].MAP50),
	)
	return report, nil
}

var iouThresholds = func() []float64 {
	out := make([]float64, 10)
	for i := range out {
		out[i] = 0.5 + 0.05*float64(i)
	}
	return out
}()

// Evaluate computes mAP@0.5 and mAP@0.5:0.95 over the images in truths.
// Precision is interpolated at 101 recall points and averaged over the
// classes present in the ground truth.
func Evaluate(preds, truths map[string][]models.Detection) Result {
	res := Result{MAP50: -1, MAP: -1, PerClass: make(map[int]float64), Images: len(truths)}

	gtCount := make(map[int]int)
	for _, dets := range truths {
		for _, d := range dets {
			gtCount[d.ClassID]++
			res.Objects++
		}
	}
	if len(gtCount) == 0 {
		return res
	}

	classes := make([]int, 0, len(gtCount))
	for c := range gtCount {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	var sum float64
	for ti, t := range iouThresholds {
		var classSum float64
		for _, c := range classes {
			ap := averagePrecision(preds, truths, c, gtCount[c], t)
			classSum += ap
			if ti == 0 {
				res.PerClass[c] = ap
			}
		}
		mean := classSum / float64(len(classes))
		if ti == 0 {
			res.MAP50 = mean
		}
		sum += mean
	}
	res.MAP = sum / float64(len(iouThresholds))
	return res
}

type scored struct {
	imageID string
	det     models.Detection
}

func averagePrecision(preds, truths map[string][]models.Detection, classID, numGT int, threshold float64) float64 {
	var candidates []scored
	for imageID := range truths {
		for _, d := range preds[imageID] {
			if d.ClassID == classID {
				candidates = append(candidates, scored{imageID: imageID, det: d})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].det.Confidence != candidates[j].det.Confidence {
			return candidates[i].det.Confidence > candidates[j].det.Confidence
		}
		if candidates[i].imageID != candidates[j].imageID {
			return candidates[i].imageID < candidates[j].imageID
		}
		return candidates[i].det.ID < candidates[j].det.ID
	})

	matched := make(map[string][]bool)
	precision := make([]float64, len(candidates))
	recall := make([]float64, len(candidates))
	tp, fp := 0, 0

	for i, cand := range candidates {
		gts := truths[cand.imageID]
		used, ok := matched[cand.imageID]
		if !ok {
			used = make([]bool, len(gts))
			matched[cand.imageID] = used
		}

		best, bestIoU := -1, threshold
		for gi, gt := range gts {
			if gt.ClassID != classID || used[gi] {
				continue
			}
			if iou := cand.det.Box.IoU(gt.Box); iou >= bestIoU {
				best, bestIoU = gi, iou
			}
		}
		if best >= 0 {
			used[best] = true
			tp++
		} else {
			fp++
		}
		precision[i] = float64(tp) / float64(tp+fp)
		recall[i] = float64(tp) / float64(numGT)
	}

	for i := len(precision) - 2; i >= 0; i-- {
		precision[i] = math.Max(precision[i], precision[i+1])
	}

	var total float64
	for r := 0; r <= 100; r++ {
		target := float64(r) / 100
		idx := sort.Search(len(recall), func(i int) bool { return recall[i] >= target-1e-12 })
		if idx < len(recall) {
			total += precision[idx]
		}
	}
	return total / 101
}

func formatScore(v float64) string {
	if v < 0 {
		return "   n/a"
	}
	return fmt.Sprintf("%.4f", v)
}

// GenerateReport renders the stage comparison table.
func (e *Evaluator) GenerateReport(report *Report) string {
	raw := report.Stages[models.DetectionsRaw]
	nms := report.Stages[models.DetectionsNMS]
	refined := report.Stages[models.DetectionsRefined]

	return fmt.Sprintf(`
Evaluation Report
=================

Job: %s
Labelled images: %d
Ground-truth objects: %d

Metric          | Raw      | NMS      | Refined
----------------|----------|----------|---------
mAP@.50         | %s   | %s   | %s
mAP@.50:.95     | %s   | %s   | %s
`,
		report.JobID,
		raw.Images,
		raw.Objects,
		formatScore(raw.MAP50), formatScore(nms.MAP50), formatScore(refined.MAP50),
		formatScore(raw.MAP), formatScore(nms.MAP), formatScore(refined.MAP),
	)
}
