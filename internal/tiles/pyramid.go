// Package tiles renders a base map image into a power-of-two tile pyramid.
// Level 0 is the coarsest level (the whole map within a single tile); the
// highest level is the source image at full resolution.
package tiles

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"

	"masterplan-backend/internal/utils"

	"github.com/disintegration/imaging"
)

const (
	DefaultTileSize = 256
	DefaultQuality  = 85
)

type Options struct {
	TileSize int
	Overlap  int
	Format   string // "png", "jpg" or "jpeg"
	Quality  int    // jpeg encode quality, 1-100
	Workers  int
}

func (o *Options) applyDefaults() {
	if o.TileSize == 0 {
		o.TileSize = DefaultTileSize
	}
	if o.Format == "" {
		o.Format = "png"
	}
	if o.Quality == 0 {
		o.Quality = DefaultQuality
	}
	if o.Workers < 1 {
		o.Workers = 4
	}
}

func (o *Options) validate() error {
	if o.TileSize < 1 {
		return fmt.Errorf("tile size must be positive, got %d", o.TileSize)
	}
	if o.Overlap < 0 || o.Overlap >= o.TileSize {
		return fmt.Errorf("overlap must be in [0, tile size), got %d", o.Overlap)
	}
	switch o.Format {
	case "png", "jpg", "jpeg":
	default:
		return fmt.Errorf("unsupported tile format %q", o.Format)
	}
	if o.Quality < 1 || o.Quality > 100 {
		return fmt.Errorf("quality must be in [1, 100], got %d", o.Quality)
	}
	return nil
}

type Level struct {
	Level  int `json:"level"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Cols   int `json:"cols"`
	Rows   int `json:"rows"`
}

type Pyramid struct {
	TileSize  int     `json:"tile_size"`
	Overlap   int     `json:"overlap"`
	Format    string  `json:"format"`
	Levels    []Level `json:"levels"`
	TileCount int     `json:"tile_count"`
}

// levelDimensions returns the (width, height) of every level from coarsest to
// finest. Dimensions halve (integer division, floored at 1) until both fit in
// a single tile.
func levelDimensions(width, height, tileSize int) [][2]int {
	dims := [][2]int{{width, height}}
	for width > tileSize || height > tileSize {
		width = max(width/2, 1)
		height = max(height/2, 1)
		dims = append([][2]int{{width, height}}, dims...)
	}
	return dims
}

// LevelCount reports how many pyramid levels an image of the given size
// produces.
func LevelCount(width, height, tileSize int) int {
	return len(levelDimensions(width, height, tileSize))
}

type tileTask struct {
	level int
	col   int
	row   int
}

// Generate writes the full pyramid for src under outputDir, laid out as
// {level}/{col}_{row}.{ext}. The finest level is cut from src directly and
// each coarser level from a box-filtered half-size resample of the previous
// one, so repeated downsampling stays anti-aliased. progress, if non-nil,
// receives percentages in [0, 100] and is called at least once with 100 on
// success.
func Generate(ctx context.Context, src image.Image, outputDir string, opts Options, progress func(percent int)) (*Pyramid, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	if bounds.Dx() < 1 || bounds.Dy() < 1 {
		return nil, fmt.Errorf("source image is empty")
	}

	dims := levelDimensions(bounds.Dx(), bounds.Dy(), opts.TileSize)
	pyramid := &Pyramid{
		TileSize: opts.TileSize,
		Overlap:  opts.Overlap,
		Format:   opts.Format,
		Levels:   make([]Level, len(dims)),
	}
	for i, d := range dims {
		cols := (d[0] + opts.TileSize - 1) / opts.TileSize
		rows := (d[1] + opts.TileSize - 1) / opts.TileSize
		pyramid.Levels[i] = Level{Level: i, Width: d[0], Height: d[1], Cols: cols, Rows: rows}
		pyramid.TileCount += cols * rows
	}

	current := imaging.Clone(src)
	completed := 0

	for level := len(dims) - 1; level >= 0; level-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info := pyramid.Levels[level]
		if current.Bounds().Dx() != info.Width || current.Bounds().Dy() != info.Height {
			current = imaging.Resize(current, info.Width, info.Height, imaging.Box)
		}

		if err := writeLevel(current, outputDir, info, opts); err != nil {
			return nil, err
		}

		completed++
		if progress != nil {
			progress(completed * 100 / len(dims))
		}
	}

	return pyramid, nil
}

func writeLevel(img *image.NRGBA, outputDir string, info Level, opts Options) error {
	levelDir := filepath.Join(outputDir, strconv.Itoa(info.Level))
	if err := os.MkdirAll(levelDir, 0755); err != nil {
		return fmt.Errorf("error creating level directory: %w", err)
	}

	queue := make(chan tileTask, info.Cols*info.Rows)
	for row := 0; row < info.Rows; row++ {
		for col := 0; col < info.Cols; col++ {
			queue <- tileTask{level: info.Level, col: col, row: row}
		}
	}
	close(queue)

	completed := make(chan utils.CompletedTask[struct{}], info.Cols*info.Rows)
	utils.RunInPool(func(task tileTask) (struct{}, error) {
		return struct{}{}, writeTile(img, levelDir, task, info, opts)
	}, queue, completed, opts.Workers)

	for result := range completed {
		if result.Error != nil {
			return fmt.Errorf("error writing level %d tiles: %w", info.Level, result.Error)
		}
	}
	return nil
}

// writeTile crops one tile, extending tileSize by overlap on each interior
// edge and clipping the rectangle to the level bounds, then encodes it.
func writeTile(img *image.NRGBA, levelDir string, task tileTask, info Level, opts Options) error {
	x0 := max(task.col*opts.TileSize-opts.Overlap, 0)
	y0 := max(task.row*opts.TileSize-opts.Overlap, 0)
	x1 := min((task.col+1)*opts.TileSize+opts.Overlap, info.Width)
	y1 := min((task.row+1)*opts.TileSize+opts.Overlap, info.Height)

	tile := imaging.Crop(img, image.Rect(x0, y0, x1, y1))
	path := filepath.Join(levelDir, fmt.Sprintf("%d_%d.%s", task.col, task.row, opts.Format))

	if opts.Format == "png" {
		return imaging.Save(tile, path)
	}
	return imaging.Save(tile, path, imaging.JPEGQuality(opts.Quality))
}
