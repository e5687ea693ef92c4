// Package preview renders 8-bit quicklooks of composites.
package preview

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"compositor/internal/engine"
)

// Percentile clip applied to each band before scaling to 0..255.
const (
	LowPercentile  = 0.02
	HighPercentile = 0.98
)

// Range returns the low and high stretch limits of the valid pixels of
// band. ok is false when the band has no valid pixel.
func Range(band []float64, nodata float64) (lo, hi float64, ok bool) {
	valid := make([]float64, 0, len(band))
	for _, v := range band {
		if v != nodata && !math.IsNaN(v) && !math.IsInf(v, 0) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0, 0, false
	}
	sort.Float64s(valid)
	lo = stat.Quantile(LowPercentile, stat.Empirical, valid, nil)
	hi = stat.Quantile(HighPercentile, stat.Empirical, valid, nil)
	return lo, hi, true
}

// RGB interleaves three bands (1-based) of out into 8-bit RGB. Pixels that
// are no-data in any of the three bands are black.
func RGB(out *engine.Output, bands [3]int) ([]byte, error) {
	n := out.Geometry.Width * out.Geometry.Height
	var src [3][]float64
	var lo, hi [3]float64
	for c, b := range bands {
		if b < 1 || b > len(out.Bands) {
			return nil, fmt.Errorf("preview band %d outside 1..%d", b, len(out.Bands))
		}
		src[c] = out.Bands[b-1]
		lo[c], hi[c], _ = Range(src[c], out.NoData)
	}

	pix := make([]byte, n*3)
	for i := 0; i < n; i++ {
		if src[0][i] == out.NoData || src[1][i] == out.NoData || src[2][i] == out.NoData {
			continue
		}
		for c := 0; c < 3; c++ {
			pix[i*3+c] = scale(src[c][i], lo[c], hi[c])
		}
	}
	return pix, nil
}

func scale(v, lo, hi float64) byte {
	if math.IsNaN(v) {
		return 0
	}
	if hi <= lo {
		if v >= hi {
			return 255
		}
		return 0
	}
	f := (v - lo) / (hi - lo) * 255
	return byte(math.Round(math.Max(0, math.Min(255, f))))
}
