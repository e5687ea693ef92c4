package gdalio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"

	"compositor/internal/engine"
)

// DefaultCreationOptions produce a tiled, compressed GeoTIFF.
var DefaultCreationOptions = []string{"TILED=YES", "COMPRESS=DEFLATE", "PREDICTOR=3", "BIGTIFF=IF_SAFER"}

// GeoTIFFWriter writes composites as Float64 GeoTIFFs.
type GeoTIFFWriter struct {
	CreationOptions []string
}

func NewGeoTIFFWriter() *GeoTIFFWriter {
	Register()
	return &GeoTIFFWriter{CreationOptions: DefaultCreationOptions}
}

// Write stores out at path with the reference geotransform, projection and
// no-data value on every band.
func (w *GeoTIFFWriter) Write(path string, out *engine.Output) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	g := out.Geometry
	ds, err := godal.Create(godal.GTiff, path, len(out.Bands), godal.Float64, g.Width, g.Height,
		godal.CreationOption(w.CreationOptions...))
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	if err := ds.SetGeoTransform(g.Transform.GDAL()); err != nil {
		return fmt.Errorf("set geotransform: %w", err)
	}
	if g.Projection != "" {
		if err := ds.SetProjection(g.Projection); err != nil {
			return fmt.Errorf("set projection: %w", err)
		}
	}
	for i, band := range ds.Bands() {
		if err := band.SetNoData(out.NoData); err != nil {
			return fmt.Errorf("band %d nodata: %w", i+1, err)
		}
		if err := band.Write(0, 0, out.Bands[i], g.Width, g.Height); err != nil {
			return fmt.Errorf("band %d write: %w", i+1, err)
		}
	}
	return nil
}
