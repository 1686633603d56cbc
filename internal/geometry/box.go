// Package geometry holds the axis-aligned box arithmetic shared by tiling,
// duplicate suppression and the symbolic refiner. Boxes are absolute pixel
// corners with X1 <= X2 and Y1 <= Y2.
package geometry

import "math"

type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Point struct {
	X float64
	Y float64
}

// FromNormalized converts a center-based box normalised to [0,1] into
// absolute pixel corners for an image of the given size.
func FromNormalized(cx, cy, w, h float64, imageWidth, imageHeight int) Box {
	iw, ih := float64(imageWidth), float64(imageHeight)
	return Box{
		X1: (cx - w/2) * iw,
		Y1: (cy - h/2) * ih,
		X2: (cx + w/2) * iw,
		Y2: (cy + h/2) * ih,
	}
}

// Normalized is the inverse of FromNormalized. A zero-sized image yields
// zeros rather than NaN.
func (b Box) Normalized(imageWidth, imageHeight int) (cx, cy, w, h float64) {
	if imageWidth <= 0 || imageHeight <= 0 {
		return 0, 0, 0, 0
	}
	iw, ih := float64(imageWidth), float64(imageHeight)
	c := b.Center()
	return c.X / iw, c.Y / ih, b.Width() / iw, b.Height() / ih
}

func (b Box) Width() float64 {
	return math.Max(0, b.X2-b.X1)
}

func (b Box) Height() float64 {
	return math.Max(0, b.Y2-b.Y1)
}

func (b Box) Area() float64 {
	return b.Width() * b.Height()
}

func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

func (b Box) Diagonal() float64 {
	return math.Hypot(b.Width(), b.Height())
}

// Intersection returns the overlapping region and false when the boxes do
// not overlap with positive area.
func (b Box) Intersection(o Box) (Box, bool) {
	in := Box{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}
	if in.X2 <= in.X1 || in.Y2 <= in.Y1 {
		return Box{}, false
	}
	return in, true
}

func (b Box) IntersectionArea(o Box) float64 {
	in, ok := b.Intersection(o)
	if !ok {
		return 0
	}
	return in.Area()
}

// IoU is intersection over union; 0 when the union is empty.
func (b Box) IoU(o Box) float64 {
	inter := b.IntersectionArea(o)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func (b Box) CentroidDistance(o Box) float64 {
	c1, c2 := b.Center(), o.Center()
	return math.Hypot(c1.X-c2.X, c1.Y-c2.Y)
}

// OverlapFraction is the intersection area divided by the smaller of the
// two areas. It is 0 when either box has zero area.
func (b Box) OverlapFraction(o Box) float64 {
	minArea := math.Min(b.Area(), o.Area())
	if minArea <= 0 {
		return 0
	}
	return b.IntersectionArea(o) / minArea
}

func (b Box) Translate(dx, dy float64) Box {
	return Box{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// Clip limits the box to [0,width]x[0,height].
func (b Box) Clip(width, height int) Box {
	w, h := float64(width), float64(height)
	return Box{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

// Valid reports whether all coordinates are finite and the corners are
// ordered. Zero-area boxes are valid.
func (b Box) Valid() bool {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X1 <= b.X2 && b.Y1 <= b.Y2
}

func (b Box) IsDegenerate() bool {
	return b.Width() == 0 || b.Height() == 0
}

func (b Box) Within(width, height int) bool {
	return b.X1 >= 0 && b.Y1 >= 0 && b.X2 <= float64(width) && b.Y2 <= float64(height)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
