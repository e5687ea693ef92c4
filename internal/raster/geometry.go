package raster

import (
	"fmt"
	"image"

	"github.com/paulmach/orb"
	"golang.org/x/image/math/f64"
)

// GeoTransform maps pixel/line coordinates to map coordinates:
//
//	x = t[0]*col + t[1]*row + t[2]
//	y = t[3]*col + t[4]*row + t[5]
type GeoTransform f64.Aff3

// FromGDAL converts the six GDAL coefficients
// (originX, pixelW, rowRot, originY, colRot, pixelH).
func FromGDAL(gt [6]float64) GeoTransform {
	return GeoTransform{gt[1], gt[2], gt[0], gt[4], gt[5], gt[3]}
}

// NorthUpTransform builds a transform without rotation terms.
func NorthUpTransform(originX, originY, pixelX, pixelY float64) GeoTransform {
	return GeoTransform{pixelX, 0, originX, 0, pixelY, originY}
}

// GDAL returns the coefficients in GDAL order.
func (t GeoTransform) GDAL() [6]float64 {
	return [6]float64{t[2], t[0], t[1], t[5], t[3], t[4]}
}

func (t GeoTransform) Origin() (x, y float64)    { return t[2], t[5] }
func (t GeoTransform) PixelSize() (x, y float64) { return t[0], t[4] }

// NorthUp reports whether the rotation/shear terms are zero.
func (t GeoTransform) NorthUp() bool { return t[1] == 0 && t[3] == 0 }

// Apply maps a pixel coordinate to map space.
func (t GeoTransform) Apply(col, row float64) (x, y float64) {
	return t[0]*col + t[1]*row + t[2], t[3]*col + t[4]*row + t[5]
}

// Geometry is the grid definition of a raster: what the validator compares
// and what the export step writes back out.
type Geometry struct {
	Projection string
	Transform  GeoTransform
	Width      int
	Height     int
	Bands      int
}

func (g Geometry) Origin() (x, y float64)    { return g.Transform.Origin() }
func (g Geometry) PixelSize() (x, y float64) { return g.Transform.PixelSize() }
func (g Geometry) NorthUp() bool             { return g.Transform.NorthUp() }

// Extent is the full pixel window of the raster.
func (g Geometry) Extent() Window { return Window{Width: g.Width, Height: g.Height} }

// PixelOffset is the position of g's origin on ref's pixel lattice. Both
// values are whole numbers when the two grids share a posting.
func (g Geometry) PixelOffset(ref Geometry) (dx, dy float64) {
	ox, oy := g.Origin()
	rx, ry := ref.Origin()
	px, py := ref.PixelSize()
	return (ox - rx) / px, (oy - ry) / py
}

// Bounds is the map-space footprint.
func (g Geometry) Bounds() orb.Bound {
	x0, y0 := g.Transform.Apply(0, 0)
	x1, y1 := g.Transform.Apply(float64(g.Width), float64(g.Height))
	x2, y2 := g.Transform.Apply(float64(g.Width), 0)
	x3, y3 := g.Transform.Apply(0, float64(g.Height))
	return orb.MultiPoint{{x0, y0}, {x1, y1}, {x2, y2}, {x3, y3}}.Bound()
}

func (g Geometry) String() string {
	ox, oy := g.Origin()
	px, py := g.PixelSize()
	return fmt.Sprintf("%dx%dx%d origin=(%g,%g) pixel=(%g,%g)", g.Width, g.Height, g.Bands, ox, oy, px, py)
}

// Window is a rectangular block of pixels, offsets measured from the
// upper-left corner of the raster.
type Window struct {
	XOff   int `json:"x_off"`
	YOff   int `json:"y_off"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Size is the number of pixels in the window.
func (w Window) Size() int { return w.Width * w.Height }

func (w Window) Rect() image.Rectangle {
	return image.Rect(w.XOff, w.YOff, w.XOff+w.Width, w.YOff+w.Height)
}

// WindowFromRect is the inverse of Rect.
func WindowFromRect(r image.Rectangle) Window {
	return Window{XOff: r.Min.X, YOff: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", w.XOff, w.YOff, w.Width, w.Height)
}
