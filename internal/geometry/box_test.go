package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

const eps = 1e-9

func TestNormalizedRoundTrip(t *testing.T) {
	b := FromNormalized(0.5, 0.25, 0.2, 0.1, 1000, 800)
	assert.InDelta(t, 400, b.X1, eps)
	assert.InDelta(t, 160, b.Y1, eps)
	assert.InDelta(t, 600, b.X2, eps)
	assert.InDelta(t, 240, b.Y2, eps)

	cx, cy, w, h := b.Normalized(1000, 800)
	assert.InDelta(t, 0.5, cx, eps)
	assert.InDelta(t, 0.25, cy, eps)
	assert.InDelta(t, 0.2, w, eps)
	assert.InDelta(t, 0.1, h, eps)
}

func TestNormalizedZeroImage(t *testing.T) {
	cx, cy, w, h := Box{0, 0, 10, 10}.Normalized(0, 0)
	assert.Zero(t, cx+cy+w+h)
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"disjoint", Box{0, 0, 10, 10}, Box{20, 20, 30, 30}, 0},
		{"touching edges", Box{0, 0, 10, 10}, Box{10, 0, 20, 10}, 0},
		{"half shift", Box{0, 0, 10, 10}, Box{5, 0, 15, 10}, 50.0 / 150.0},
		{"contained", Box{0, 0, 10, 10}, Box{0, 0, 5, 10}, 0.5},
		{"both zero area", Box{5, 5, 5, 5}, Box{5, 5, 5, 5}, 0},
		{"one zero area", Box{0, 0, 10, 10}, Box{5, 5, 5, 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(tt.b), eps)
			assert.InDelta(t, tt.want, tt.b.IoU(tt.a), eps)
		})
	}
}

func TestIoUOfShiftedBoxesExceedsDefaultThreshold(t *testing.T) {
	a := Box{100, 100, 200, 200}
	b := Box{105, 105, 205, 205}
	assert.InDelta(t, 9025.0/10975.0, a.IoU(b), 1e-6)
	assert.Greater(t, a.IoU(b), 0.5)
}

func TestCentroidAndDiagonal(t *testing.T) {
	a := Box{0, 0, 30, 40}
	assert.InDelta(t, 50, a.Diagonal(), eps)
	assert.Equal(t, Point{15, 20}, a.Center())

	b := a.Translate(30, 40)
	assert.InDelta(t, 50, a.CentroidDistance(b), eps)
}

func TestOverlapFraction(t *testing.T) {
	big := Box{0, 0, 100, 100}
	small := Box{10, 10, 30, 30}
	assert.InDelta(t, 1, big.OverlapFraction(small), eps)
	assert.InDelta(t, 1, small.OverlapFraction(big), eps)

	partial := Box{20, 10, 40, 30}
	assert.InDelta(t, 0.5, small.OverlapFraction(partial), eps)

	assert.Zero(t, big.OverlapFraction(Box{50, 50, 50, 80}))
}

func TestClip(t *testing.T) {
	b := Box{-10, 5, 120, 90}.Clip(100, 80)
	assert.Equal(t, Box{0, 5, 100, 80}, b)
	assert.True(t, b.Within(100, 80))

	outside := Box{150, 150, 200, 200}.Clip(100, 100)
	assert.True(t, outside.IsDegenerate())
	assert.Zero(t, outside.Area())
}

func TestValid(t *testing.T) {
	assert.True(t, Box{0, 0, 0, 0}.Valid())
	assert.True(t, Box{1, 2, 3, 4}.Valid())
	assert.False(t, Box{3, 0, 1, 4}.Valid())
	assert.False(t, Box{0, 0, math.NaN(), 4}.Valid())
	assert.False(t, Box{0, 0, math.Inf(1), 4}.Valid())
}

func TestInvertedBoxHasNoArea(t *testing.T) {
	b := Box{10, 10, 0, 0}
	assert.Zero(t, b.Width())
	assert.Zero(t, b.Area())
	assert.Zero(t, b.Diagonal())
}
