// Package inference runs a Detector over overlapping tiles of a large image
// and maps the results back into image coordinates.
package inference

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nsai-detect/backend/internal/detector"
	"github.com/nsai-detect/backend/internal/metrics"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

type Options struct {
	SliceWidth   int
	SliceHeight  int
	OverlapRatio float64
	Params       detector.Params
	// Concurrency bounds parallel Detector calls per image; <= 1 is sequential.
	Concurrency int
	ClassMap    map[int]string
}

type Engine struct {
	detector detector.Detector
	opts     Options
	newID    func() string
}

type Result struct {
	Detections  []models.Detection
	Tiles       int
	FailedTiles int
	// Discarded counts boxes that fell outside the image or below threshold.
	Discarded int
	Elapsed   time.Duration
}

func NewEngine(det detector.Detector, opts Options) (*Engine, error) {
	if det == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if opts.SliceWidth <= 0 || opts.SliceHeight <= 0 {
		return nil, fmt.Errorf("invalid slice size %dx%d", opts.SliceWidth, opts.SliceHeight)
	}
	if opts.OverlapRatio < 0 || opts.OverlapRatio >= 1 {
		return nil, fmt.Errorf("overlap ratio %v outside [0,1)", opts.OverlapRatio)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Engine{
		detector: det,
		opts:     opts,
		newID:    func() string { return uuid.New().String() },
	}, nil
}

type tileOutput struct {
	dets      []models.Detection
	discarded int
}

// DetectImage runs the detector on every tile of img. A failing tile is
// logged and contributes nothing; the call only fails when no tile
// succeeded or ctx was cancelled. Output follows tile order and is not
// deduplicated.
func (e *Engine) DetectImage(ctx context.Context, img image.Image, imageID string) (*Result, error) {
	start := time.Now()
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	tiles, err := GenerateTiles(width, height, e.opts.SliceWidth, e.opts.SliceHeight, e.opts.OverlapRatio)
	if err != nil {
		return nil, &detector.DetectorError{ImageID: imageID, Err: err}
	}

	outputs := make([]tileOutput, len(tiles))
	var failed int32
	var lastErr atomic.Value

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for i, tile := range tiles {
		i, tile := i, tile
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			crop := imaging.Crop(img, tile.Rect().Add(bounds.Min))
			raw, err := e.detector.Detect(gctx, crop, e.opts.Params)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				atomic.AddInt32(&failed, 1)
				lastErr.Store(err)
				metrics.TileFailures.Inc()
				logger.Warn("Tile inference failed",
					zap.String("image_id", imageID),
					zap.String("tile", tile.String()),
					zap.Error(err),
				)
				return nil
			}

			outputs[i] = e.remap(raw, tile, imageID, width, height)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Tiles: len(tiles), FailedTiles: int(failed)}
	if result.FailedTiles == result.Tiles {
		cause, _ := lastErr.Load().(error)
		return nil, &detector.DetectorError{ImageID: imageID, Err: fmt.Errorf("all %d tiles failed: %w", len(tiles), cause)}
	}

	for _, out := range outputs {
		result.Detections = append(result.Detections, out.dets...)
		result.Discarded += out.discarded
	}
	if result.Detections == nil {
		result.Detections = []models.Detection{}
	}
	result.Elapsed = time.Since(start)

	logger.Debug("Image inference complete",
		zap.String("image_id", imageID),
		zap.Int("tiles", result.Tiles),
		zap.Int("failed_tiles", result.FailedTiles),
		zap.Int("detections", len(result.Detections)),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func (e *Engine) remap(raw []detector.Detection, tile Tile, imageID string, width, height int) tileOutput {
	var out tileOutput
	for _, d := range raw {
		// Written so NaN confidences fail too.
		inRange := d.Confidence >= e.opts.Params.ConfidenceThreshold && d.Confidence <= 1
		if !inRange || !d.Box.Valid() {
			out.discarded++
			continue
		}

		box := d.Box.Translate(float64(tile.X), float64(tile.Y)).Clip(width, height)
		if box.IsDegenerate() {
			out.discarded++
			continue
		}

		out.dets = append(out.dets, models.Detection{
			ID:         e.newID(),
			ImageID:    imageID,
			ClassID:    d.ClassID,
			ClassName:  e.className(d),
			Confidence: d.Confidence,
			Box:        box,
			Stage:      models.DetectionsRaw,
		})
	}
	return out
}

func (e *Engine) className(d detector.Detection) string {
	if name, ok := e.opts.ClassMap[d.ClassID]; ok {
		return name
	}
	if d.ClassName != "" {
		return d.ClassName
	}
	return fmt.Sprintf("class_%d", d.ClassID)
}

// LoadImage opens an image file, applying its EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return img, nil
}
