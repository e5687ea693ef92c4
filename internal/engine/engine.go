// Package engine drives a compositing rule over the tile grid of the
// output raster, optionally across several workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"compositor/internal/metrics"
	"compositor/internal/raster"
)

const (
	DefaultTileSize    = 256
	DefaultParallelism = 1
)

// ErrEngine marks failures that abort a whole run.
var ErrEngine = errors.New("engine failure")

// Error is an engine failure, optionally tied to the tile that caused it.
type Error struct {
	Op     string
	Tile   *raster.Window
	Err    error
	Issues []Issue // observations already excluded by completed tiles
}

func (e *Error) Error() string {
	if e.Tile != nil {
		return fmt.Sprintf("%s tile %s: %v", e.Op, *e.Tile, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrEngine }

// Issue is an absorbed per-date failure inside one tile.
type Issue struct {
	Path   string        `json:"path"`
	Window raster.Window `json:"window"`
	Err    error         `json:"-"`
}

func (i Issue) Message() string {
	if i.Err == nil {
		return ""
	}
	return i.Err.Error()
}

// Chunk is the reduced output for one window.
type Chunk struct {
	Window raster.Window
	// Bands holds one row-major slice per output band.
	Bands  [][]float64
	Issues []Issue
}

// Processor is a compositing rule bound to its inputs.
type Processor interface {
	Inputs() []string
	Reference() raster.Geometry
	OutputBands() int
	NoData() float64
	// ProcessChunk must only read from src and only return data for win.
	ProcessChunk(ctx context.Context, src *raster.Stack, win raster.Window) (*Chunk, error)
}

// Options controls one run.
type Options struct {
	TileWidth   int
	TileHeight  int
	Parallelism int
	Opener      raster.Opener
	// MemoryLimit caps the output buffer in bytes; zero disables the check.
	MemoryLimit uint64
	Logger      *slog.Logger
	// Progress is called after each tile; it may be called concurrently.
	Progress func(done, total int)
}

func (o Options) withDefaults() Options {
	if o.TileWidth <= 0 {
		o.TileWidth = DefaultTileSize
	}
	if o.TileHeight <= 0 {
		o.TileHeight = o.TileWidth
	}
	if o.Parallelism < 1 {
		o.Parallelism = DefaultParallelism
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Output is the assembled composite.
type Output struct {
	Geometry raster.Geometry
	NoData   float64
	// Bands holds Width*Height pixels per band, row-major.
	Bands  [][]float64
	Tiles  int
	Issues []Issue
}

// At returns the value of band (1-based) at col,row.
func (o *Output) At(band, col, row int) float64 {
	return o.Bands[band-1][row*o.Geometry.Width+col]
}

// Run reduces every tile of proc's reference extent. It returns no output
// when ctx is cancelled or any tile fails.
func Run(ctx context.Context, proc Processor, opts Options) (*Output, error) {
	opts = opts.withDefaults()
	if opts.Opener == nil {
		return nil, &Error{Op: "configure", Err: errors.New("no raster opener")}
	}

	ref := proc.Reference()
	nBands := proc.OutputBands()
	if nBands <= 0 || ref.Width <= 0 || ref.Height <= 0 {
		return nil, &Error{Op: "configure", Err: fmt.Errorf("empty output extent %s", ref)}
	}

	need := uint64(ref.Width) * uint64(ref.Height) * uint64(nBands) * 8
	if opts.MemoryLimit > 0 && need > opts.MemoryLimit {
		return nil, &Error{Op: "allocate", Err: fmt.Errorf("output needs %d bytes, limit is %d", need, opts.MemoryLimit)}
	}

	out := &Output{Geometry: ref, NoData: proc.NoData(), Bands: make([][]float64, nBands)}
	for b := range out.Bands {
		out.Bands[b] = make([]float64, ref.Width*ref.Height)
	}

	tiles := Tiles(ref.Width, ref.Height, opts.TileWidth, opts.TileHeight)
	out.Tiles = len(tiles)
	workers := min(opts.Parallelism, len(tiles))
	inputs := proc.Inputs()

	opts.Logger.Info("composite started",
		"tiles", len(tiles),
		"tile_width", opts.TileWidth,
		"tile_height", opts.TileHeight,
		"workers", workers,
		"inputs", len(inputs),
	)

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan raster.Window)
	issues := make([][]Issue, workers)
	var done atomic.Int64

	g.Go(func() error {
		defer close(work)
		for _, t := range tiles {
			select {
			case <-gctx.Done():
				return nil
			case work <- t:
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			stack := raster.OpenStack(opts.Opener, ref, inputs)
			defer stack.Close()

			for win := range work {
				if gctx.Err() != nil {
					continue
				}
				start := time.Now()
				chunk, err := processTile(gctx, proc, stack, win)
				if err != nil {
					return err
				}
				if err := place(out, chunk, win); err != nil {
					return err
				}
				for _, is := range chunk.Issues {
					opts.Logger.Warn("tile observation excluded", "path", is.Path, "tile", win.String(), "error", is.Err)
				}
				issues[w] = append(issues[w], chunk.Issues...)

				metrics.TilesProcessed.Inc()
				metrics.ChunkReadErrors.Add(float64(len(chunk.Issues)))
				metrics.TileDuration.Observe(time.Since(start).Seconds())
				n := int(done.Add(1))
				if opts.Progress != nil {
					opts.Progress(n, len(tiles))
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			ee.Issues = mergeIssues(issues)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out.Issues = mergeIssues(issues)
	return out, nil
}

// mergeIssues flattens per-worker issues into tile order.
func mergeIssues(perWorker [][]Issue) []Issue {
	var all []Issue
	for _, is := range perWorker {
		all = append(all, is...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].Window, all[j].Window
		if a.YOff != b.YOff {
			return a.YOff < b.YOff
		}
		if a.XOff != b.XOff {
			return a.XOff < b.XOff
		}
		return all[i].Path < all[j].Path
	})
	return all
}

func processTile(ctx context.Context, proc Processor, stack *raster.Stack, win raster.Window) (chunk *Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			w := win
			err = &Error{Op: "process", Tile: &w, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()

	chunk, err = proc.ProcessChunk(ctx, stack, win)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w := win
		return nil, &Error{Op: "process", Tile: &w, Err: err}
	}
	if chunk == nil {
		w := win
		return nil, &Error{Op: "process", Tile: &w, Err: errors.New("no chunk returned")}
	}
	return chunk, nil
}

// place copies a chunk into its own region of out. Tiles never overlap, so
// concurrent calls touch disjoint memory.
func place(out *Output, chunk *Chunk, win raster.Window) error {
	if chunk.Window != win || len(chunk.Bands) != len(out.Bands) {
		w := win
		return &Error{Op: "assemble", Tile: &w,
			Err: fmt.Errorf("chunk shape %s x %d bands does not match tile", chunk.Window, len(chunk.Bands))}
	}
	width := out.Geometry.Width
	for b, src := range chunk.Bands {
		if len(src) != win.Size() {
			w := win
			return &Error{Op: "assemble", Tile: &w,
				Err: fmt.Errorf("band %d has %d pixels, want %d", b+1, len(src), win.Size())}
		}
		dst := out.Bands[b]
		for r := 0; r < win.Height; r++ {
			start := (win.YOff+r)*width + win.XOff
			copy(dst[start:start+win.Width], src[r*win.Width:(r+1)*win.Width])
		}
	}
	return nil
}
