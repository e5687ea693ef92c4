// Package gdalio reads and writes rasters through GDAL.
package gdalio

import (
	"fmt"
	"sync"

	"github.com/airbusgeo/godal"

	"compositor/internal/raster"
)

var registerOnce sync.Once

// Register loads the GDAL drivers. It is safe to call repeatedly.
func Register() {
	registerOnce.Do(godal.RegisterAll)
}

// Opener opens rasters read-only with GDAL.
type Opener struct{}

func NewOpener() Opener {
	Register()
	return Opener{}
}

func (Opener) Open(path string) (raster.Dataset, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("gdal open %s: %w", path, err)
	}
	return &dataset{path: path, ds: ds}, nil
}

type dataset struct {
	path string
	ds   *godal.Dataset
}

func (d *dataset) Geometry() (raster.Geometry, error) {
	st := d.ds.Structure()
	gt, err := d.ds.GeoTransform()
	if err != nil {
		return raster.Geometry{}, fmt.Errorf("geotransform of %s: %w", d.path, err)
	}
	return raster.Geometry{
		Projection: d.ds.Projection(),
		Transform:  raster.FromGDAL(gt),
		Width:      st.SizeX,
		Height:     st.SizeY,
		Bands:      st.NBands,
	}, nil
}

func (d *dataset) Read(band int, win raster.Window) ([]float64, error) {
	bands := d.ds.Bands()
	if band < 1 || band > len(bands) {
		return nil, fmt.Errorf("band %d outside 1..%d", band, len(bands))
	}
	buf := make([]float64, win.Size())
	if err := bands[band-1].Read(win.XOff, win.YOff, buf, win.Width, win.Height); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *dataset) Close() error {
	return d.ds.Close()
}
