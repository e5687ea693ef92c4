// Package compat decides which rasters of a candidate set share one grid
// and can therefore be composited without resampling.
package compat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"compositor/internal/raster"
)

// postingTolerance absorbs floating point noise in origin arithmetic; it is
// far below any real sub-pixel shift.
const postingTolerance = 1e-6

// Issue is one reason a raster was excluded.
type Issue struct {
	Index int
	Path  string
	Err   error
}

// Report is the outcome of one validation pass.
type Report struct {
	Paths []string
	Valid []bool
	// Reference is nil when no raster could be read.
	Reference     *raster.Geometry
	ReferencePath string
	Issues        []Issue
}

// Compatible returns the valid paths in input order.
func (r Report) Compatible() []string {
	var out []string
	for i, ok := range r.Valid {
		if ok {
			out = append(out, r.Paths[i])
		}
	}
	return out
}

// IssuesFor returns the issues recorded against input i.
func (r Report) IssuesFor(i int) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Index == i {
			out = append(out, is)
		}
	}
	return out
}

// Validate opens images in order. The first raster whose geometry can be
// read becomes the reference; every later one is compared against it.
// The returned error is non-nil only when ctx is cancelled.
func Validate(ctx context.Context, opener raster.Opener, images []string, log *slog.Logger) (Report, error) {
	if log == nil {
		log = slog.Default()
	}
	rep := Report{
		Paths: append([]string(nil), images...),
		Valid: make([]bool, len(images)),
	}

	for i, path := range images {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		geom, err := ReadGeometry(opener, path)
		if err != nil {
			log.Warn("raster excluded", "path", path, "error", err)
			rep.Issues = append(rep.Issues, Issue{Index: i, Path: path, Err: err})
			continue
		}

		if rep.Reference == nil {
			g := geom
			rep.Reference = &g
			rep.ReferencePath = path
			rep.Valid[i] = true
			log.Debug("reference geometry", "path", path, "geometry", geom.String(), "projection", geom.Projection)
			continue
		}

		mismatches := Check(*rep.Reference, geom, path)
		for _, m := range mismatches {
			log.Warn("raster excluded", "path", path, "error", m)
			rep.Issues = append(rep.Issues, Issue{Index: i, Path: path, Err: m})
		}
		rep.Valid[i] = len(mismatches) == 0
	}
	return rep, nil
}

// ReadGeometry opens path, reads its geometry and closes it again.
func ReadGeometry(opener raster.Opener, path string) (raster.Geometry, error) {
	ds, err := opener.Open(path)
	if err != nil {
		return raster.Geometry{}, &GeometryError{Path: path, Err: fmt.Errorf("open: %w", err)}
	}
	defer ds.Close()

	geom, err := ds.Geometry()
	if err != nil {
		return raster.Geometry{}, &GeometryError{Path: path, Err: fmt.Errorf("read geometry: %w", err)}
	}
	if !geom.NorthUp() {
		gt := geom.Transform.GDAL()
		return raster.Geometry{}, &GeometryError{Path: path,
			Err: fmt.Errorf("raster is not north-up (rotation terms %g, %g)", gt[2], gt[4])}
	}
	if geom.Width <= 0 || geom.Height <= 0 || geom.Bands <= 0 {
		return raster.Geometry{}, &GeometryError{Path: path,
			Err: errors.New("raster has no pixels or no bands")}
	}
	return geom, nil
}

// Check compares cand against ref on every criterion and returns one
// *MismatchError per failed criterion.
func Check(ref, cand raster.Geometry, path string) []error {
	var errs []error

	if ref.Projection != cand.Projection {
		errs = append(errs, &MismatchError{Path: path, Criterion: CriterionProjection,
			Want: quote(ref.Projection), Got: quote(cand.Projection)})
	}

	rx, ry := ref.PixelSize()
	cx, cy := cand.PixelSize()
	if rx != cx || ry != cy {
		errs = append(errs, &MismatchError{Path: path, Criterion: CriterionPixelSize,
			Want: fmt.Sprintf("(%g, %g)", rx, ry), Got: fmt.Sprintf("(%g, %g)", cx, cy)})
	}

	dx, dy := cand.PixelOffset(ref)
	if !integral(dx) || !integral(dy) {
		ox, oy := cand.Origin()
		errs = append(errs, &MismatchError{Path: path, Criterion: CriterionPosting,
			Want: "whole pixel offset", Got: fmt.Sprintf("offset (%g, %g) px from origin (%g, %g)", dx, dy, ox, oy)})
	}

	if ref.Bands != cand.Bands {
		errs = append(errs, &MismatchError{Path: path, Criterion: CriterionBandCount,
			Want: fmt.Sprint(ref.Bands), Got: fmt.Sprint(cand.Bands)})
	}
	return errs
}

func integral(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return math.Abs(v-math.Round(v)) < postingTolerance
}

func quote(s string) string {
	const max = 48
	if len(s) > max {
		s = s[:max] + "..."
	}
	return fmt.Sprintf("%q", s)
}
