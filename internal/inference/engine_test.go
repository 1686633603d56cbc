package inference

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsai-detect/backend/internal/detector"
	"github.com/nsai-detect/backend/internal/geometry"
	"github.com/nsai-detect/backend/internal/storage/models"
)

func blank(w, h int) image.Image {
	return imaging.New(w, h, color.NRGBA{A: 255})
}

func TestDetectImageRemapsToGlobalCoordinates(t *testing.T) {
	det := detector.Func(func(_ context.Context, tile image.Image, _ detector.Params) ([]detector.Detection, error) {
		b := tile.Bounds()
		return []detector.Detection{{
			ClassID:    1,
			Confidence: 0.8,
			Box:        geometry.Box{X1: 10, Y1: 20, X2: float64(b.Dx()) + 50, Y2: 60},
		}}, nil
	})

	engine, err := NewEngine(det, Options{SliceWidth: 640, SliceHeight: 640, OverlapRatio: 0.2, ClassMap: map[int]string{1: "ship"}})
	require.NoError(t, err)

	res, err := engine.DetectImage(context.Background(), blank(1000, 1000), "img")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Tiles)
	assert.Zero(t, res.FailedTiles)
	require.Len(t, res.Detections, 4)

	// Tile order is row-major; the second tile starts at x=512.
	assert.Equal(t, geometry.Box{X1: 522, Y1: 20, X2: 1000, Y2: 60}, res.Detections[1].Box)
	assert.Equal(t, geometry.Box{X1: 10, Y1: 532, X2: 690, Y2: 572}, res.Detections[2].Box)

	for _, d := range res.Detections {
		assert.True(t, d.Box.Within(1000, 1000))
		assert.Equal(t, "ship", d.ClassName)
		assert.Equal(t, "img", d.ImageID)
		assert.Equal(t, models.DetectionsRaw, d.Stage)
		assert.NotEmpty(t, d.ID)
	}
}

func TestDetectImageIsolatesTileFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	det := detector.Func(func(_ context.Context, tile image.Image, _ detector.Params) ([]detector.Detection, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if tile.Bounds().Dx() < 640 {
			return nil, errors.New("cuda out of memory")
		}
		return []detector.Detection{{ClassID: 0, Confidence: 0.9, Box: geometry.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}}}, nil
	})

	engine, err := NewEngine(det, Options{SliceWidth: 640, SliceHeight: 640, OverlapRatio: 0.2, Concurrency: 4})
	require.NoError(t, err)

	res, err := engine.DetectImage(context.Background(), blank(1000, 1000), "img")
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 2, res.FailedTiles)
	assert.Len(t, res.Detections, 2)
	assert.Equal(t, "class_0", res.Detections[0].ClassName)
}

func TestDetectImageFailsWhenEveryTileFails(t *testing.T) {
	boom := errors.New("model not loaded")
	det := detector.Func(func(context.Context, image.Image, detector.Params) ([]detector.Detection, error) {
		return nil, boom
	})

	engine, err := NewEngine(det, Options{SliceWidth: 256, SliceHeight: 256})
	require.NoError(t, err)

	_, err = engine.DetectImage(context.Background(), blank(600, 300), "img-9")
	var derr *detector.DetectorError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "img-9", derr.ImageID)
	assert.ErrorIs(t, err, boom)
}

func TestDetectImageDropsBelowThresholdAndDegenerate(t *testing.T) {
	det := detector.Func(func(_ context.Context, _ image.Image, p detector.Params) ([]detector.Detection, error) {
		assert.Equal(t, "cuda:1", p.DeviceHint)
		return []detector.Detection{
			{ClassID: 1, Confidence: 0.1, Box: geometry.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassID: 1, Confidence: 0.9, Box: geometry.Box{X1: 200, Y1: 200, X2: 220, Y2: 220}},
			{ClassID: 1, Confidence: 0.9, Box: geometry.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}},
		}, nil
	})

	engine, err := NewEngine(det, Options{
		SliceWidth: 640, SliceHeight: 640,
		Params: detector.Params{ConfidenceThreshold: 0.25, DeviceHint: "cuda:1"},
	})
	require.NoError(t, err)

	res, err := engine.DetectImage(context.Background(), blank(100, 100), "img")
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, 2, res.Discarded)
	assert.Equal(t, geometry.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}, res.Detections[0].Box)
}

func TestDetectImageDropsOutOfRangeConfidence(t *testing.T) {
	det := detector.Func(func(context.Context, image.Image, detector.Params) ([]detector.Detection, error) {
		box := geometry.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}
		return []detector.Detection{
			{ClassID: 1, Confidence: 1.3, Box: box},
			{ClassID: 1, Confidence: math.NaN(), Box: box},
			{ClassID: 1, Confidence: 1, Box: box},
		}, nil
	})

	engine, err := NewEngine(det, Options{SliceWidth: 640, SliceHeight: 640})
	require.NoError(t, err)

	res, err := engine.DetectImage(context.Background(), blank(100, 100), "img")
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, 1.0, res.Detections[0].Confidence)
	assert.Equal(t, 2, res.Discarded)
}

func TestDetectImageDeterministicUnderConcurrency(t *testing.T) {
	det := detector.Func(func(_ context.Context, tile image.Image, _ detector.Params) ([]detector.Detection, error) {
		return []detector.Detection{{ClassID: tile.Bounds().Dx(), Confidence: 0.5, Box: geometry.Box{X1: 0, Y1: 0, X2: 4, Y2: 4}}}, nil
	})

	sequential, err := NewEngine(det, Options{SliceWidth: 100, SliceHeight: 100, OverlapRatio: 0.1})
	require.NoError(t, err)
	parallel, err := NewEngine(det, Options{SliceWidth: 100, SliceHeight: 100, OverlapRatio: 0.1, Concurrency: 8})
	require.NoError(t, err)

	a, err := sequential.DetectImage(context.Background(), blank(950, 430), "img")
	require.NoError(t, err)
	b, err := parallel.DetectImage(context.Background(), blank(950, 430), "img")
	require.NoError(t, err)

	require.Equal(t, len(a.Detections), len(b.Detections))
	for i := range a.Detections {
		assert.Equal(t, a.Detections[i].Box, b.Detections[i].Box)
		assert.Equal(t, a.Detections[i].ClassID, b.Detections[i].ClassID)
	}
}

func TestDetectImageCancelled(t *testing.T) {
	det := detector.Func(func(ctx context.Context, _ image.Image, _ detector.Params) ([]detector.Detection, error) {
		return nil, ctx.Err()
	})
	engine, err := NewEngine(det, Options{SliceWidth: 64, SliceHeight: 64})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.DetectImage(ctx, blank(128, 128), "img")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngineValidatesOptions(t *testing.T) {
	det := detector.Func(func(context.Context, image.Image, detector.Params) ([]detector.Detection, error) { return nil, nil })
	_, err := NewEngine(nil, Options{SliceWidth: 1, SliceHeight: 1})
	assert.Error(t, err)
	_, err = NewEngine(det, Options{SliceWidth: 0, SliceHeight: 1})
	assert.Error(t, err)
	_, err = NewEngine(det, Options{SliceWidth: 1, SliceHeight: 1, OverlapRatio: 1})
	assert.Error(t, err)
}
