package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTilesClipsFinalTileToImageEdge(t *testing.T) {
	tiles, err := GenerateTiles(1000, 1000, 640, 640, 0.2)
	require.NoError(t, err)
	require.Len(t, tiles, 4)

	want := []struct{ x, y, w, h int }{
		{0, 0, 640, 640},
		{512, 0, 488, 640},
		{0, 512, 640, 488},
		{512, 512, 488, 488},
	}
	for i, w := range want {
		assert.Equal(t, w.x, tiles[i].X, "tile %d x", i)
		assert.Equal(t, w.y, tiles[i].Y, "tile %d y", i)
		assert.Equal(t, w.w, tiles[i].Width, "tile %d width", i)
		assert.Equal(t, w.h, tiles[i].Height, "tile %d height", i)
		assert.Equal(t, i, tiles[i].Index)
	}

	assert.Equal(t, 128, tiles[0].OverlapRight)
	assert.Equal(t, 128, tiles[0].OverlapBottom)
	assert.Equal(t, 128, tiles[1].OverlapLeft)
	assert.Zero(t, tiles[1].OverlapRight)
	assert.Equal(t, 128, tiles[3].OverlapTop)
}

func TestGenerateTilesSingleTileWhenSliceCoversImage(t *testing.T) {
	tiles, err := GenerateTiles(300, 200, 640, 640, 0.2)
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, Tile{Index: 0, X: 0, Y: 0, Width: 300, Height: 200}, tiles[0])
}

func TestGenerateTilesCoverEveryPixel(t *testing.T) {
	cases := []struct {
		w, h, sw, sh int
		overlap      float64
	}{
		{1000, 1000, 640, 640, 0.2},
		{4096, 3000, 512, 512, 0.25},
		{1281, 641, 640, 640, 0},
		{777, 333, 256, 128, 0.5},
		{50, 50, 7, 3, 0.9},
	}

	for _, c := range cases {
		tiles, err := GenerateTiles(c.w, c.h, c.sw, c.sh, c.overlap)
		require.NoError(t, err)

		covered := make([]bool, c.w*c.h)
		for _, tile := range tiles {
			assert.LessOrEqual(t, tile.Width, c.sw)
			assert.LessOrEqual(t, tile.Height, c.sh)
			assert.LessOrEqual(t, tile.X+tile.Width, c.w)
			assert.LessOrEqual(t, tile.Y+tile.Height, c.h)
			for y := tile.Y; y < tile.Y+tile.Height; y++ {
				for x := tile.X; x < tile.X+tile.Width; x++ {
					covered[y*c.w+x] = true
				}
			}
		}
		for i, ok := range covered {
			if !ok {
				t.Fatalf("pixel (%d,%d) not covered for %+v", i%c.w, i/c.w, c)
			}
		}
	}
}

func TestGenerateTilesRejectsInvalidArguments(t *testing.T) {
	_, err := GenerateTiles(0, 100, 64, 64, 0.2)
	assert.Error(t, err)
	_, err = GenerateTiles(100, 100, 0, 64, 0.2)
	assert.Error(t, err)
	_, err = GenerateTiles(100, 100, 64, 64, 1)
	assert.Error(t, err)
	_, err = GenerateTiles(100, 100, 64, 64, -0.1)
	assert.Error(t, err)
}
