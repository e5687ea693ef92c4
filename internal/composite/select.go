package composite

import (
	"context"
	"math"

	"compositor/internal/engine"
	"compositor/internal/raster"
)

// ScoreFunc scores one observation from the values of the scoring bands,
// given in Rule.Bands order. NaN means the observation is unusable.
type ScoreFunc func(values []float64) float64

// BandRef names a scoring band and the parameter it came from.
type BandRef struct {
	Param  string
	Number int
}

// Rule is a best-observation selection rule.
type Rule struct {
	Bands  []BandRef
	NoData float64
	Score  ScoreFunc
}

// SelectMax composites win by choosing, for every pixel, the date with the
// highest score and copying all of its bands. A date is a candidate only
// when none of its scoring bands equals the no-data value. Ties keep the
// earliest date. Pixels without a candidate are no-data in every band.
//
// A date whose window cannot be read is recorded as a chunk issue and
// treated as having no observation anywhere in the window.
func SelectMax(ctx context.Context, src *raster.Stack, win raster.Window, bands int, rule Rule) (*engine.Chunk, error) {
	n := win.Size()
	chunk := &engine.Chunk{Window: win, Bands: make([][]float64, bands)}
	for b := range chunk.Bands {
		out := make([]float64, n)
		for i := range out {
			out[i] = rule.NoData
		}
		chunk.Bands[b] = out
	}

	best := make([]float64, n)
	taken := make([]bool, n)
	scoring := make([]float64, len(rule.Bands))
	data := make([][]float64, bands)

	for d := 0; d < src.Len(); d++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !readDate(src, d, win, rule.NoData, data, chunk) {
			continue
		}

	pixels:
		for i := 0; i < n; i++ {
			for k, b := range rule.Bands {
				v := data[b.Number-1][i]
				if v == rule.NoData || math.IsNaN(v) {
					continue pixels
				}
				scoring[k] = v
			}
			s := rule.Score(scoring)
			if math.IsNaN(s) {
				continue
			}
			if taken[i] && s <= best[i] {
				continue
			}
			taken[i] = true
			best[i] = s
			for b := range data {
				chunk.Bands[b][i] = data[b][i]
			}
		}
	}
	return chunk, nil
}

// readDate fills data with every band of date d. On failure the issue is
// added to chunk and false is returned.
func readDate(src *raster.Stack, d int, win raster.Window, fill float64, data [][]float64, chunk *engine.Chunk) bool {
	for b := range data {
		v, err := src.Read(d, b+1, win, fill)
		if err != nil {
			chunk.Issues = append(chunk.Issues, engine.Issue{Path: src.Path(d), Window: win, Err: err})
			return false
		}
		data[b] = v
	}
	return true
}
