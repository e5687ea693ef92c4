package pipeline

import (
	"math"

	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"compositor/internal/engine"
)

// BandStats describes the valid pixels of one output band.
type BandStats struct {
	Band   int     `json:"band"`
	Valid  int     `json:"valid"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Summary is the result meta attached to a finished run.
type Summary struct {
	Bands []BandStats `json:"bands"`
	// Coverage is the fraction of pixels where some date was selected.
	Coverage  float64          `json:"coverage"`
	Footprint *geojson.Feature `json:"footprint,omitempty"`
}

// Summarize computes per-band statistics, coverage and the map footprint.
func Summarize(out *engine.Output) Summary {
	var s Summary
	n := out.Geometry.Width * out.Geometry.Height
	selected := make([]bool, n)

	for b, band := range out.Bands {
		valid := make([]float64, 0, len(band))
		for i, v := range band {
			if v == out.NoData || math.IsNaN(v) {
				continue
			}
			valid = append(valid, v)
			selected[i] = true
		}
		st := BandStats{Band: b + 1, Valid: len(valid)}
		if len(valid) > 0 {
			st.Min = floats.Min(valid)
			st.Max = floats.Max(valid)
			st.Mean, st.StdDev = stat.MeanStdDev(valid, nil)
			if math.IsNaN(st.StdDev) {
				st.StdDev = 0
			}
		}
		s.Bands = append(s.Bands, st)
	}

	if n > 0 {
		covered := 0
		for _, ok := range selected {
			if ok {
				covered++
			}
		}
		s.Coverage = float64(covered) / float64(n)
	}

	f := geojson.NewFeature(out.Geometry.Bounds().ToPolygon())
	f.Properties["width"] = out.Geometry.Width
	f.Properties["height"] = out.Geometry.Height
	f.Properties["projection"] = out.Geometry.Projection
	s.Footprint = f
	return s
}
