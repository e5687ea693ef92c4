package raster

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// Stack is one worker's view of all inputs of a run, aligned on the
// reference grid. Inputs are opened once per stack and never shared.
type Stack struct {
	ref    Geometry
	layers []layer
}

type layer struct {
	path   string
	ds     Dataset
	offset image.Point // position of the layer origin in reference pixels
	bounds image.Rectangle
	err    error
}

// OpenStack opens every path in order. A path that cannot be opened, or
// whose geometry cannot be read, stays in the stack and fails every read.
func OpenStack(opener Opener, ref Geometry, paths []string) *Stack {
	s := &Stack{ref: ref, layers: make([]layer, len(paths))}
	for i, p := range paths {
		l := layer{path: p}
		ds, err := opener.Open(p)
		if err != nil {
			l.err = err
			s.layers[i] = l
			continue
		}
		l.ds = ds
		geom, err := ds.Geometry()
		if err != nil {
			l.err = err
		} else {
			dx, dy := geom.PixelOffset(ref)
			l.offset = image.Pt(int(math.Round(dx)), int(math.Round(dy)))
			l.bounds = geom.Extent().Rect().Add(l.offset)
		}
		s.layers[i] = l
	}
	return s
}

// Len is the number of inputs (dates).
func (s *Stack) Len() int { return len(s.layers) }

// Path of input i.
func (s *Stack) Path(i int) string { return s.layers[i].path }

// Reference is the grid all reads are expressed in.
func (s *Stack) Reference() Geometry { return s.ref }

// Read returns band (1-based) of input date over win, where win is in
// reference pixel coordinates. Pixels outside the input's own extent are
// set to fill. Failures are returned as *ReadError.
func (s *Stack) Read(date, band int, win Window, fill float64) ([]float64, error) {
	if date < 0 || date >= len(s.layers) {
		return nil, fmt.Errorf("date index %d out of range [0,%d)", date, len(s.layers))
	}
	l := s.layers[date]
	if l.err != nil {
		return nil, &ReadError{Path: l.path, Band: band, Window: win, Err: l.err}
	}

	out := make([]float64, win.Size())
	for i := range out {
		out[i] = fill
	}
	overlap := win.Rect().Intersect(l.bounds)
	if overlap.Empty() {
		return out, nil
	}

	src := WindowFromRect(overlap.Sub(l.offset))
	data, err := l.ds.Read(band, src)
	if err != nil {
		return nil, &ReadError{Path: l.path, Band: band, Window: win, Err: err}
	}
	if len(data) != src.Size() {
		return nil, &ReadError{Path: l.path, Band: band, Window: win,
			Err: fmt.Errorf("short read: got %d pixels, want %d", len(data), src.Size())}
	}

	dst := overlap.Sub(win.Rect().Min)
	w := overlap.Dx()
	for r := 0; r < overlap.Dy(); r++ {
		start := (dst.Min.Y+r)*win.Width + dst.Min.X
		copy(out[start:start+w], data[r*w:(r+1)*w])
	}
	return out, nil
}

// Close releases every opened input.
func (s *Stack) Close() error {
	var errs []error
	for _, l := range s.layers {
		if l.ds != nil {
			if err := l.ds.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", l.path, err))
			}
		}
	}
	return errors.Join(errs...)
}
