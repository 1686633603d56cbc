package inference

import (
	"fmt"
	"image"
)

// Tile is a window of the source image. Overlap* record how many pixels are
// shared with the neighbouring tile on each side.
type Tile struct {
	Index         int
	X             int
	Y             int
	Width         int
	Height        int
	OverlapLeft   int
	OverlapTop    int
	OverlapRight  int
	OverlapBottom int
}

func (t Tile) Rect() image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height)
}

func (t Tile) String() string {
	return fmt.Sprintf("%d,%d+%dx%d", t.X, t.Y, t.Width, t.Height)
}

type span struct {
	start, end int
}

// axisSpans walks one axis in steps of slice*(1-overlap). The last span is
// clipped to size, never shifted back.
func axisSpans(size, slice int, overlap float64) []span {
	if slice >= size {
		return []span{{0, size}}
	}

	step := int(float64(slice) * (1 - overlap))
	if step < 1 {
		step = 1
	}

	var spans []span
	for start := 0; ; start += step {
		end := min(start+slice, size)
		spans = append(spans, span{start, end})
		if end >= size {
			break
		}
	}
	return spans
}

// GenerateTiles covers a width x height image with slice-sized windows in
// row-major order. Every pixel falls in at least one tile.
func GenerateTiles(width, height, sliceWidth, sliceHeight int, overlap float64) ([]Tile, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if sliceWidth <= 0 || sliceHeight <= 0 {
		return nil, fmt.Errorf("invalid slice size %dx%d", sliceWidth, sliceHeight)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("overlap ratio %v outside [0,1)", overlap)
	}

	cols := axisSpans(width, sliceWidth, overlap)
	rows := axisSpans(height, sliceHeight, overlap)

	tiles := make([]Tile, 0, len(cols)*len(rows))
	for r, row := range rows {
		for c, col := range cols {
			t := Tile{
				Index:  len(tiles),
				X:      col.start,
				Y:      row.start,
				Width:  col.end - col.start,
				Height: row.end - row.start,
			}
			if c > 0 {
				t.OverlapLeft = max(0, cols[c-1].end-col.start)
			}
			if c < len(cols)-1 {
				t.OverlapRight = max(0, col.end-cols[c+1].start)
			}
			if r > 0 {
				t.OverlapTop = max(0, rows[r-1].end-row.start)
			}
			if r < len(rows)-1 {
				t.OverlapBottom = max(0, row.end-rows[r+1].start)
			}
			tiles = append(tiles, t)
		}
	}
	return tiles, nil
}
