// Package visualize draws a stage's detections onto the source image.
package visualize

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/nsai-detect/backend/internal/storage/models"
)

var classPalette = map[string]string{
	"plane":              "#ff0000",
	"ship":               "#00ff00",
	"storage_tank":       "#0000ff",
	"baseball_diamond":   "#ffff00",
	"tennis_court":       "#ff00ff",
	"basketball_court":   "#00ffff",
	"ground_track_field": "#ff8000",
	"harbor":             "#8000ff",
	"bridge":             "#0080ff",
	"large_vehicle":      "#ff8080",
	"small_vehicle":      "#80ff80",
	"helicopter":         "#8080ff",
	"roundabout":         "#c0c000",
	"soccer_ball_field":  "#c000c0",
	"swimming_pool":      "#00c0c0",
}

type Options struct {
	// MinConfidence hides detections below it.
	MinConfidence float64
}

// ClassColor returns the palette colour for known classes and a stable
// hue derived from the name otherwise.
func ClassColor(name string) colorful.Color {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if hex, ok := classPalette[key]; ok {
		if c, err := colorful.Hex(hex); err == nil {
			return c
		}
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	hue := float64(h.Sum32() % 360)
	return colorful.Hsv(hue, 0.8, 0.95)
}

// baseWidth grows with the image so boxes stay visible on large scenes.
func baseWidth(width, height int) int {
	maxDim := width
	if height > maxDim {
		maxDim = height
	}
	switch {
	case maxDim <= 640:
		return 1
	case maxDim <= 1280:
		return 2
	case maxDim <= 2048:
		return 3
	default:
		return 4
	}
}

// LineWidth scales the base width by confidence, capped at twice the base.
func LineWidth(confidence float64, base int) int {
	var w int
	switch {
	case confidence >= 0.9:
		w = base * 2
	case confidence >= 0.7:
		w = base
	case confidence >= 0.5:
		w = base - 1
	default:
		w = 1
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Annotate returns a copy of img with one outlined box per detection.
// Boxes are drawn in ascending confidence so stronger ones end on top.
func Annotate(img image.Image, dets []models.Detection, opts Options) *image.NRGBA {
	out := imaging.Clone(img)
	bounds := out.Bounds()
	base := baseWidth(bounds.Dx(), bounds.Dy())

	ordered := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= opts.MinConfidence {
			ordered = append(ordered, d)
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Confidence < ordered[j-1].Confidence; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, d := range ordered {
		r, g, b := ClassColor(d.ClassName).Clamped().RGB255()
		c := color.NRGBA{R: r, G: g, B: b, A: 255}
		rect := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2)).Intersect(bounds)
		drawOutline(out, rect, LineWidth(d.Confidence, base), c)
	}
	return out
}

func drawOutline(dst *image.NRGBA, r image.Rectangle, width int, c color.NRGBA) {
	if r.Empty() {
		return
	}
	for i := 0; i < width; i++ {
		inner := r.Inset(i)
		if inner.Empty() {
			return
		}
		for x := inner.Min.X; x < inner.Max.X; x++ {
			dst.SetNRGBA(x, inner.Min.Y, c)
			dst.SetNRGBA(x, inner.Max.Y-1, c)
		}
		for y := inner.Min.Y; y < inner.Max.Y; y++ {
			dst.SetNRGBA(inner.Min.X, y, c)
			dst.SetNRGBA(inner.Max.X-1, y, c)
		}
	}
}

// WritePNG encodes an annotated image.
func WritePNG(w io.Writer, img image.Image) error {
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode annotated image: %w", err)
	}
	return nil
}

// Save writes an annotated image; the format follows the extension.
func Save(path string, img image.Image) error {
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save annotated image: %w", err)
	}
	return nil
}
