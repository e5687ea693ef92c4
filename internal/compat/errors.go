package compat

import (
	"errors"
	"fmt"
)

var (
	// ErrGeometry marks a raster whose geometry is unreadable or unsupported.
	ErrGeometry = errors.New("unusable raster geometry")
	// ErrMismatch marks a raster that does not match the reference geometry.
	ErrMismatch = errors.New("incompatible raster geometry")
)

// Criterion is one of the independent compatibility checks.
type Criterion int

const (
	CriterionProjection Criterion = iota
	CriterionPixelSize
	CriterionPosting
	CriterionBandCount
)

func (c Criterion) String() string {
	switch c {
	case CriterionProjection:
		return "projection"
	case CriterionPixelSize:
		return "pixel size"
	case CriterionPosting:
		return "pixel posting"
	case CriterionBandCount:
		return "band count"
	default:
		return fmt.Sprintf("criterion(%d)", int(c))
	}
}

// GeometryError is returned for rasters that cannot take part in a
// composite at all.
type GeometryError struct {
	Path string
	Err  error
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *GeometryError) Unwrap() error { return e.Err }

func (e *GeometryError) Is(target error) bool { return target == ErrGeometry }

// MismatchError records one failed criterion against the reference.
type MismatchError struct {
	Path      string
	Criterion Criterion
	Want      string
	Got       string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s mismatch: reference %s, got %s", e.Path, e.Criterion, e.Want, e.Got)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }
