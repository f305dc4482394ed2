package tiles

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(width, height int) image.Image {
	img := imaging.New(width, height, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x/8+y/8)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 30, B: 30, A: 255})
			}
		}
	}
	return img
}

func TestLevelCount(t *testing.T) {
	assert.Equal(t, 5, LevelCount(4096, 4096, 256))
	assert.Equal(t, 1, LevelCount(256, 256, 256))
	assert.Equal(t, 1, LevelCount(10, 10, 256))
	assert.Equal(t, 2, LevelCount(257, 100, 256))
	// Non-square maps halve both axes together.
	assert.Equal(t, 3, LevelCount(100, 60, 32))
}

func TestGeneratePyramid(t *testing.T) {
	dir := t.TempDir()

	pyramid, err := Generate(context.Background(), checkerboard(64, 64), dir, Options{TileSize: 16}, nil)
	require.NoError(t, err)

	require.Len(t, pyramid.Levels, 3)
	assert.Equal(t, Level{Level: 0, Width: 16, Height: 16, Cols: 1, Rows: 1}, pyramid.Levels[0])
	assert.Equal(t, Level{Level: 1, Width: 32, Height: 32, Cols: 2, Rows: 2}, pyramid.Levels[1])
	assert.Equal(t, Level{Level: 2, Width: 64, Height: 64, Cols: 4, Rows: 4}, pyramid.Levels[2])
	assert.Equal(t, 21, pyramid.TileCount)
	assert.Equal(t, "png", pyramid.Format)

	// Every tile the metadata promises exists on disk.
	for _, level := range pyramid.Levels {
		for row := 0; row < level.Rows; row++ {
			for col := 0; col < level.Cols; col++ {
				tilePath := filepath.Join(dir, strconv.Itoa(level.Level), fmt.Sprintf("%d_%d.png", col, row))
				_, err := os.Stat(tilePath)
				assert.NoError(t, err, "missing tile %s", tilePath)
			}
		}
	}

	// The coarsest level is a single full tile.
	img, err := imaging.Open(filepath.Join(dir, "0", "0_0.png"))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
}

func TestGenerateClipsEdgeTiles(t *testing.T) {
	dir := t.TempDir()

	pyramid, err := Generate(context.Background(), checkerboard(100, 60), dir, Options{TileSize: 32}, nil)
	require.NoError(t, err)

	finest := pyramid.Levels[len(pyramid.Levels)-1]
	assert.Equal(t, 4, finest.Cols)
	assert.Equal(t, 2, finest.Rows)

	// The last column is 100 - 3*32 = 4 pixels wide, the last row 60 - 32 =
	// 28 pixels tall.
	img, err := imaging.Open(filepath.Join(dir, "2", "3_1.png"))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 28, img.Bounds().Dy())
}

func TestGenerateOverlap(t *testing.T) {
	dir := t.TempDir()

	_, err := Generate(context.Background(), checkerboard(64, 64), dir, Options{TileSize: 16, Overlap: 2}, nil)
	require.NoError(t, err)

	// Interior tiles extend by the overlap on all four sides; corner tiles
	// only on their interior edges.
	interior, err := imaging.Open(filepath.Join(dir, "2", "1_1.png"))
	require.NoError(t, err)
	assert.Equal(t, 20, interior.Bounds().Dx())
	assert.Equal(t, 20, interior.Bounds().Dy())

	corner, err := imaging.Open(filepath.Join(dir, "2", "0_0.png"))
	require.NoError(t, err)
	assert.Equal(t, 18, corner.Bounds().Dx())
	assert.Equal(t, 18, corner.Bounds().Dy())
}

func TestGenerateProgressMonotonic(t *testing.T) {
	dir := t.TempDir()

	var percents []int
	_, err := Generate(context.Background(), checkerboard(64, 64), dir, Options{TileSize: 16}, func(p int) {
		percents = append(percents, p)
	})
	require.NoError(t, err)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])
	// One callback per level.
	assert.Len(t, percents, 3)
}

func TestGenerateJpegFormat(t *testing.T) {
	dir := t.TempDir()

	pyramid, err := Generate(context.Background(), checkerboard(32, 32), dir, Options{TileSize: 32, Format: "jpg", Quality: 70}, nil)
	require.NoError(t, err)
	require.Len(t, pyramid.Levels, 1)

	_, err = os.Stat(filepath.Join(dir, "0", "0_0.jpg"))
	assert.NoError(t, err)
}

func TestGenerateValidation(t *testing.T) {
	ctx := context.Background()
	src := checkerboard(32, 32)

	_, err := Generate(ctx, src, t.TempDir(), Options{TileSize: 16, Overlap: 16}, nil)
	assert.ErrorContains(t, err, "overlap")

	_, err = Generate(ctx, src, t.TempDir(), Options{Format: "gif"}, nil)
	assert.ErrorContains(t, err, "unsupported tile format")

	_, err = Generate(ctx, src, t.TempDir(), Options{Quality: 101}, nil)
	assert.ErrorContains(t, err, "quality")
}

func TestGenerateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Generate(ctx, checkerboard(64, 64), t.TempDir(), Options{TileSize: 16}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
