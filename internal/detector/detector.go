// Package detector defines the boundary to the object detection model. The
// pipeline only sees the Detector interface; the model runs elsewhere.
package detector

import (
	"context"
	"fmt"
	"image"

	"github.com/nsai-detect/backend/internal/geometry"
)

type Params struct {
	ConfidenceThreshold float64
	IoUThreshold        float64
	// DeviceHint is passed through untouched ("cpu", "cuda:0", ...).
	DeviceHint string
}

// Detection is a single model output in tile-local pixel coordinates.
type Detection struct {
	ClassID    int          `json:"class_id"`
	ClassName  string       `json:"class_name,omitempty"`
	Confidence float64      `json:"confidence"`
	Box        geometry.Box `json:"-"`
}

type Detector interface {
	Detect(ctx context.Context, tile image.Image, params Params) ([]Detection, error)
}

// Func adapts an ordinary function to the Detector interface.
type Func func(ctx context.Context, tile image.Image, params Params) ([]Detection, error)

func (f Func) Detect(ctx context.Context, tile image.Image, params Params) ([]Detection, error) {
	return f(ctx, tile, params)
}

// DetectorError reports that inference could not produce a result for an
// image or tile.
type DetectorError struct {
	ImageID string
	Tile    string
	Err     error
}

func (e *DetectorError) Error() string {
	switch {
	case e.Tile != "":
		return fmt.Sprintf("detector failed on image %s tile %s: %v", e.ImageID, e.Tile, e.Err)
	case e.ImageID != "":
		return fmt.Sprintf("detector failed on image %s: %v", e.ImageID, e.Err)
	default:
		return fmt.Sprintf("detector failed: %v", e.Err)
	}
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}
