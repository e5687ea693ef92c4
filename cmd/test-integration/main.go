package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"compositor/internal/composite"
	"compositor/internal/config"
	"compositor/internal/engine"
	"compositor/internal/gdalio"
	"compositor/internal/pipeline"
	"compositor/internal/raster"
	"compositor/internal/storage"
)

const size = 64

// scene builds a four band scene whose red and NIR reflectance is given per
// pixel; cloudy pixels are bright in every band.
func scene(cloudy func(col, row int) bool, red, nir float64) *engine.Output {
	geom := raster.Geometry{
		Projection: `PROJCS["WGS 84 / UTM zone 17N",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Transverse_Mercator"],PARAMETER["latitude_of_origin",0],PARAMETER["central_meridian",-81],PARAMETER["scale_factor",0.9996],PARAMETER["false_easting",500000],PARAMETER["false_northing",0],UNIT["metre",1]]`,
		Transform:  raster.NorthUpTransform(500000, 4200000, 30, -30),
		Width:      size,
		Height:     size,
		Bands:      4,
	}
	out := &engine.Output{Geometry: geom, NoData: -9999, Bands: make([][]float64, 4)}
	for b := range out.Bands {
		out.Bands[b] = make([]float64, size*size)
	}
	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			i := row*size + col
			out.Bands[0][i], out.Bands[1][i] = 0.05, 0.08
			out.Bands[2][i], out.Bands[3][i] = red, nir
			if cloudy(col, row) {
				for b := range out.Bands {
					out.Bands[b][i] = 0.9
				}
			}
		}
	}
	return out
}

func main() {
	fmt.Println("🔍 Testing GDAL compositing end to end")

	dir, err := os.MkdirTemp("", "compositor-integration-")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	defer os.RemoveAll(dir)

	writer := gdalio.NewGeoTIFFWriter()
	never := func(int, int) bool { return false }
	leftHalf := func(col, _ int) bool { return col < size/2 }
	scenes := map[string]*engine.Output{
		"LC80170342015050LGN00.tif": scene(leftHalf, 0.10, 0.50), // vegetated, cloudy on the left
		"LC80170342015066LGN00.tif": scene(never, 0.20, 0.30),
		"LC80170342015082LGN00.tif": scene(never, 0.30, 0.25),
	}
	for name, out := range scenes {
		if err := writer.Write(filepath.Join(dir, "scenes", name), out); err != nil {
			log.Fatal("Failed to write scene:", err)
		}
	}
	fmt.Printf("✅ Wrote %d synthetic scenes to %s\n", len(scenes), dir)

	store, err := storage.New(filepath.Join(dir, "integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := config.Default()
	cfg.Processing.TileSize = 16
	logger := slog.Default()
	env := composite.Env{Opener: gdalio.NewOpener(), Logger: logger}
	runner := pipeline.NewRunner(cfg, logger, store, env, writer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	output := filepath.Join(dir, "composite.tif")
	job := pipeline.Job{ID: pipeline.NewID("itest"), Algorithm: "max-ndvi", Dir: filepath.Join(dir, "scenes"), Output: output}
	start := time.Now()
	res := runner.Process(ctx, job)
	if res.Error != nil {
		log.Fatal("Composite failed:", res.Error)
	}
	fmt.Printf("✅ Composite finished in %s: %v tiles, coverage %v\n", time.Since(start).Round(time.Millisecond), res.Meta["tiles"], res.Meta["coverage"])

	ds, err := env.Opener.Open(output)
	if err != nil {
		log.Fatal("Failed to reopen composite:", err)
	}
	defer ds.Close()

	// Clouds lower NDVI on the left, so the second date must win there and
	// the first date everywhere else.
	check := func(col int, wantNIR float64) {
		px, err := ds.Read(4, raster.Window{XOff: col, YOff: size / 2, Width: 1, Height: 1})
		if err != nil {
			log.Fatal("Failed to read composite:", err)
		}
		status := "✅"
		if px[0] != wantNIR {
			status = "❌"
		}
		fmt.Printf("%s column %d: nir %.2f (want %.2f)\n", status, col, px[0], wantNIR)
	}
	check(0, 0.30)
	check(size-1, 0.50)
}
