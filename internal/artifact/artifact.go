// Package artifact reads and writes the per-stage detection files and the
// explainability report consumed by downstream tools.
package artifact

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nsai-detect/backend/internal/geometry"
	"github.com/nsai-detect/backend/internal/storage/models"
)

// WriteDetections writes one line per detection:
// class_id center_x center_y width height confidence, spatial values
// normalised to the image size.
func WriteDetections(w io.Writer, dets []models.Detection, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", width, height)
	}

	buf := bufio.NewWriter(w)
	for _, d := range dets {
		cx, cy, bw, bh := d.Box.Normalized(width, height)
		if _, err := fmt.Fprintf(buf, "%d %.6f %.6f %.6f %.6f %.6f\n", d.ClassID, cx, cy, bw, bh, d.Confidence); err != nil {
			return fmt.Errorf("failed to write detection: %w", err)
		}
	}
	return buf.Flush()
}

// ParseDetections reads the format written by WriteDetections. A missing
// confidence column (ground-truth labels) reads as 1. Class names come from
// classMap when present.
func ParseDetections(r io.Reader, imageID string, width, height int, classMap map[int]string, stage models.DetectionStage) ([]models.Detection, error) {
	var dets []models.Detection
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 && len(fields) != 6 {
			return nil, fmt.Errorf("line %d: expected 5 or 6 fields, got %d", line, len(fields))
		}

		classID, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad class id: %w", line, err)
		}
		vals := make([]float64, len(fields)-1)
		for i, f := range fields[1:] {
			vals[i], err = strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad number %q: %w", line, f, err)
			}
		}
		conf := 1.0
		if len(vals) == 5 {
			conf = vals[4]
		}

		name := classMap[classID]
		if name == "" {
			name = fmt.Sprintf("class_%d", classID)
		}
		dets = append(dets, models.Detection{
			ID:         uuid.New().String(),
			ImageID:    imageID,
			ClassID:    classID,
			ClassName:  name,
			Confidence: conf,
			Box:        geometry.FromNormalized(vals[0], vals[1], vals[2], vals[3], width, height),
			Stage:      stage,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read detections: %w", err)
	}
	return dets, nil
}

// StagePath is where SaveStage puts an image's detections for a stage.
func StagePath(dir, jobID string, stage models.DetectionStage, img models.Image) string {
	base := strings.TrimSuffix(img.Name, filepath.Ext(img.Name))
	if base == "" {
		base = img.ID
	}
	return filepath.Join(dir, jobID, string(stage), base+".txt")
}

func SaveStage(dir, jobID string, stage models.DetectionStage, img models.Image, dets []models.Detection) (string, error) {
	path := StagePath(dir, jobID, stage, img)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}

	if err := WriteDetections(f, dets, img.Width, img.Height); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	return path, nil
}

var reportHeader = []string{
	"image_id",
	"action",
	"class_pair",
	"detection_a",
	"detection_b",
	"affected_detections",
	"confidence_before_a",
	"confidence_after_a",
	"confidence_before_b",
	"confidence_after_b",
	"weight",
}

// WriteReportCSV writes one row per adjustment. Affected detection ids are
// joined with ';'.
func WriteReportCSV(w io.Writer, records []models.AdjustmentRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return fmt.Errorf("failed to write report header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.ImageID,
			string(rec.Action),
			rec.ClassA + "-" + rec.ClassB,
			rec.DetectionA,
			rec.DetectionB,
			strings.Join(rec.Affected, ";"),
			confidence(rec.BeforeA),
			confidence(rec.AfterA),
			confidence(rec.BeforeB),
			confidence(rec.AfterB),
			strconv.FormatFloat(rec.Rule.Weight, 'f', 4, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func confidence(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
