// Package raster defines the read-only raster access the compositor depends
// on, plus an in-memory implementation and the per-worker input stack.
package raster

import (
	"errors"
	"fmt"
)

// Dataset is an open, read-only raster.
type Dataset interface {
	Geometry() (Geometry, error)
	// Read returns band (1-based) pixels of win in row-major order.
	Read(band int, win Window) ([]float64, error)
	Close() error
}

// Opener opens rasters by path.
type Opener interface {
	Open(path string) (Dataset, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Dataset, error)

func (f OpenerFunc) Open(path string) (Dataset, error) { return f(path) }

// ErrRead marks an input that could not supply pixels for a window.
var ErrRead = errors.New("chunk read failed")

// ReadError describes a failed window read for one input.
type ReadError struct {
	Path   string
	Band   int
	Window Window
	Err    error
}

func (e *ReadError) Error() string {
	if e.Band > 0 {
		return fmt.Sprintf("read %s band %d window %s: %v", e.Path, e.Band, e.Window, e.Err)
	}
	return fmt.Sprintf("read %s window %s: %v", e.Path, e.Window, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Is(target error) bool { return target == ErrRead }
