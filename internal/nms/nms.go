// Package nms removes duplicate detections of the same object that appear
// when overlapping tiles both see it. Suppression is greedy and never
// crosses class boundaries.
package nms

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

type Stats struct {
	Before       int           `json:"before"`
	After        int           `json:"after"`
	Dropped      int           `json:"dropped"`
	ReductionPct float64       `json:"reduction_pct"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Suppress returns the surviving detections tagged as nms output. Classes
// appear in first-appearance order and, within a class, by descending
// confidence. Confidences are never modified and the input is not mutated.
func Suppress(dets []models.Detection, iouThreshold float64) ([]models.Detection, Stats) {
	start := time.Now()
	stats := Stats{Before: len(dets)}

	var order []int
	groups := make(map[int][]models.Detection)
	for _, d := range dets {
		if !wellFormed(d) {
			stats.Dropped++
			logger.Warn("Dropping malformed detection",
				zap.String("detection_id", d.ID),
				zap.String("image_id", d.ImageID),
				zap.Float64("confidence", d.Confidence),
			)
			continue
		}
		if _, ok := groups[d.ClassID]; !ok {
			order = append(order, d.ClassID)
		}
		groups[d.ClassID] = append(groups[d.ClassID], d)
	}

	kept := make([]models.Detection, 0, len(dets))
	for _, classID := range order {
		kept = append(kept, suppressClass(groups[classID], iouThreshold)...)
	}
	for i := range kept {
		kept[i].Stage = models.DetectionsNMS
	}

	stats.After = len(kept)
	if stats.Before > 0 {
		stats.ReductionPct = float64(stats.Before-stats.After) / float64(stats.Before) * 100
	}
	stats.Elapsed = time.Since(start)

	return kept, stats
}

// suppressClass keeps the highest-confidence box and drops every remaining
// box whose IoU with a kept box exceeds the threshold. group is owned by
// the caller's grouping map and may be reordered.
func suppressClass(group []models.Detection, iouThreshold float64) []models.Detection {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Confidence > group[j].Confidence
	})

	suppressed := make([]bool, len(group))
	var kept []models.Detection
	for i := range group {
		if suppressed[i] {
			continue
		}
		kept = append(kept, group[i])
		for j := i + 1; j < len(group); j++ {
			if !suppressed[j] && group[i].Box.IoU(group[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func wellFormed(d models.Detection) bool {
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return false
	}
	return d.Box.Valid()
}
