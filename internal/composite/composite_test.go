package composite

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"compositor/internal/engine"
	"compositor/internal/raster"
)

const ndv = -9999.0

func grid(w, h int) raster.Geometry {
	return raster.Geometry{
		Projection: "EPSG:32617",
		Transform:  raster.NorthUpTransform(500000, 4000000, 30, -30),
		Width:      w,
		Height:     h,
		Bands:      4,
	}
}

// addScene stores a 4-band scene whose pixels are produced by px.
func addScene(op *raster.MemOpener, path string, w, h int, px func(col, row int) []float64) {
	ds := raster.NewMemDataset(grid(w, h), 0)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			ds.SetPixel(c, r, px(c, r)...)
		}
	}
	op.Add(path, ds)
}

func uniform(values ...float64) func(int, int) []float64 {
	return func(int, int) []float64 { return values }
}

func run(t *testing.T, name string, op raster.Opener, files []string, params map[string]any, opts engine.Options) *engine.Output {
	t.Helper()
	alg, err := Discover().New(name, params, files, Env{Opener: op})
	if err != nil {
		t.Fatalf("new %s: %v", name, err)
	}
	rep, err := alg.ValidateImages(context.Background(), alg.Files())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := alg.Prepare(rep); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	out, err := alg.ProcessImage(context.Background(), opts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return out
}

func pixel(out *engine.Output, col, row int) []float64 {
	v := make([]float64, len(out.Bands))
	for b := range out.Bands {
		v[b] = out.At(b+1, col, row)
	}
	return v
}

func TestMaxNDVITwoDates(t *testing.T) {
	cases := []struct {
		name  string
		first []float64
		later []float64
		want  []float64
	}{
		{"higher ndvi wins", []float64{1, 2, 0.4, 0.6}, []float64{5, 6, 0.25, 0.75}, []float64{5, 6, 0.25, 0.75}},
		{"no-data red excluded", []float64{1, 2, 0.4, 0.6}, []float64{5, 6, ndv, 0.75}, []float64{1, 2, 0.4, 0.6}},
		{"both no-data", []float64{1, 2, 0.4, ndv}, []float64{5, 6, ndv, 0.75}, []float64{ndv, ndv, ndv, ndv}},
		{"tie keeps earliest", []float64{1, 2, 0.25, 0.75}, []float64{5, 6, 0.125, 0.375}, []float64{1, 2, 0.25, 0.75}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := raster.NewMemOpener()
			addScene(op, "d1.tif", 1, 1, uniform(tc.first...))
			addScene(op, "d2.tif", 1, 1, uniform(tc.later...))

			out := run(t, "max-ndvi", op, []string{"d1.tif", "d2.tif"}, nil, engine.Options{})
			if got := pixel(out, 0, 0); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMaxNDVIThreeSceneCloudCover(t *testing.T) {
	// The red band is cloud (no-data) on a different quadrant in each scene.
	cloudy := func(date float64, cloudCol, cloudRow int, ndvi float64) func(int, int) []float64 {
		red := (1 - ndvi) / 2
		nir := (1 + ndvi) / 2
		return func(c, r int) []float64 {
			if c == cloudCol && r == cloudRow {
				return []float64{date, date, ndv, nir}
			}
			return []float64{date, date, red, nir}
		}
	}
	op := raster.NewMemOpener()
	addScene(op, "LC80170342015001.tif", 2, 2, cloudy(1, 0, 0, 0.25))
	addScene(op, "LC80170342015017.tif", 2, 2, cloudy(2, 1, 0, 0.75))
	addScene(op, "LC80170342015033.tif", 2, 2, cloudy(3, 1, 1, 0.5))

	out := run(t, "max-ndvi", op,
		[]string{"LC80170342015001.tif", "LC80170342015017.tif", "LC80170342015033.tif"},
		nil, engine.Options{TileWidth: 1, Parallelism: 2})

	want := map[[2]int]float64{
		{0, 0}: 2, // scene 1 clouded, scene 2 wins over 3
		{1, 0}: 3, // scene 2 clouded, scene 3 beats 1
		{0, 1}: 2,
		{1, 1}: 2, // scene 3 clouded
	}
	for pos, date := range want {
		if got := out.At(1, pos[0], pos[1]); got != date {
			t.Fatalf("pixel %v: expected date %v, got %v", pos, date, got)
		}
	}
	if len(out.Issues) != 0 {
		t.Fatalf("expected no issues, got %v", out.Issues)
	}
}

func TestMaxNDVIParallelMatchesSerial(t *testing.T) {
	op := raster.NewMemOpener()
	var files []string
	for d := 0; d < 4; d++ {
		path := string(rune('a'+d)) + ".tif"
		addScene(op, path, 23, 17, func(c, r int) []float64 {
			red := float64((c*7+r*13+d*5)%11) / 10
			nir := float64((c*3+r*5+d*11)%13) / 10
			if (c+r+d)%9 == 0 {
				red = ndv
			}
			return []float64{float64(d), float64(c), red, nir}
		})
		files = append(files, path)
	}

	serial := run(t, "max-ndvi", op, files, nil, engine.Options{})
	for _, par := range []int{2, 4, 8} {
		parallel := run(t, "max-ndvi", op, files, nil, engine.Options{TileWidth: 4, TileHeight: 3, Parallelism: par})
		if !reflect.DeepEqual(serial.Bands, parallel.Bands) {
			t.Fatalf("parallelism %d produced a different composite", par)
		}
	}
}

func TestUnreadableDateIsAbsorbed(t *testing.T) {
	op := raster.NewMemOpener()
	addScene(op, "ok.tif", 2, 2, uniform(1, 1, 0.4, 0.6))
	addScene(op, "flaky.tif", 2, 2, uniform(2, 2, 0.1, 0.9))

	alg, err := Discover().New("max-ndvi", nil, []string{"ok.tif", "flaky.tif"}, Env{Opener: op})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, _ := alg.ValidateImages(context.Background(), alg.Files())
	if err := alg.Prepare(rep); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// The raster disappears between validation and processing.
	op.Fail("flaky.tif", errors.New("i/o error"))

	out, err := alg.ProcessImage(context.Background(), engine.Options{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := out.At(1, 1, 1); got != 1 {
		t.Fatalf("expected the readable date to win, got %v", got)
	}
	if len(out.Issues) != 1 || out.Issues[0].Path != "flaky.tif" || !errors.Is(out.Issues[0].Err, raster.ErrRead) {
		t.Fatalf("expected one read issue for flaky.tif, got %v", out.Issues)
	}
}

func TestMaxNDVIOLIUsesShiftedBands(t *testing.T) {
	op := raster.NewMemOpener()
	geom := grid(1, 1)
	geom.Bands = 5
	for path, px := range map[string][]float64{
		"a.tif": {1, 0, 0, 0.4, 0.6},
		"b.tif": {2, 0, 0, 0.25, 0.75},
	} {
		ds := raster.NewMemDataset(geom, 0)
		ds.SetPixel(0, 0, px...)
		op.Add(path, ds)
	}
	out := run(t, "max-ndvi-oli", op, []string{"a.tif", "b.tif"}, nil, engine.Options{})
	if got := out.At(1, 0, 0); got != 2 {
		t.Fatalf("expected b.tif to win, got %v", got)
	}
}

func TestZZKeepsEarliestClearDate(t *testing.T) {
	op := raster.NewMemOpener()
	addScene(op, "a.tif", 1, 2, func(c, r int) []float64 {
		if r == 0 {
			return []float64{ndv, 1, 1, 1}
		}
		return []float64{1, 1, 1, 1}
	})
	addScene(op, "b.tif", 1, 2, uniform(2, 2, 2, 2))

	out := run(t, "zz", op, []string{"a.tif", "b.tif"}, nil, engine.Options{})
	if got := out.At(1, 0, 0); got != 2 {
		t.Fatalf("cloudy pixel: expected b.tif, got %v", got)
	}
	if got := out.At(1, 0, 1); got != 1 {
		t.Fatalf("clear pixel: expected a.tif, got %v", got)
	}
}

func TestNDVIZeroDenominator(t *testing.T) {
	if got := NDVI(0, 0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := NDVI(0.25, 0.75); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}

func TestRegistryDiscoverIsStable(t *testing.T) {
	first := Discover().Descriptors()
	second := Discover().Descriptors()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("discover returned different catalogs")
	}
	names := Discover().Names()
	want := []string{"max-ndvi", "max-ndvi-oli", "zz"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("expected %v, got %v", want, names)
	}

	first[0].Params[0].Default = 99
	if d, _ := Discover().Lookup(first[0].Name); d.Params[0].Default == 99 {
		t.Fatalf("descriptor mutation leaked into the registry")
	}
}

func TestRegistryLineage(t *testing.T) {
	reg := Discover()
	if got := reg.Lineage("max-ndvi-oli"); !reflect.DeepEqual(got, []string{"max-ndvi", "max-ndvi-oli"}) {
		t.Fatalf("unexpected lineage %v", got)
	}
	if got := reg.Lineage("nope"); len(got) != 0 {
		t.Fatalf("expected empty lineage, got %v", got)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	Register(Registration{Descriptor: Descriptor{Name: "max-ndvi"}, New: newMaxNDVI})
}

func TestConfigurationErrors(t *testing.T) {
	reg := Discover()
	cases := []struct {
		name   string
		algo   string
		params map[string]any
	}{
		{"unknown algorithm", "median", nil},
		{"unknown param", "max-ndvi", map[string]any{"swir": 6}},
		{"non-integer band", "max-ndvi", map[string]any{"red": "three"}},
		{"fractional band", "max-ndvi", map[string]any{"nir": 4.5}},
		{"band zero", "max-ndvi", map[string]any{"red": 0}},
		{"bad nodata", "zz", map[string]any{"ndv": "none"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.New(tc.algo, tc.params, nil, Env{})
			var ce *ConfigError
			if !errors.As(err, &ce) || !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestParamsCoerceStrings(t *testing.T) {
	alg, err := Discover().New("max-ndvi", map[string]any{"red": "2", "ndv": "0"}, nil, Env{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if alg.Params().Int("red") != 2 || alg.Params().Float("ndv") != 0 || alg.Params().Int("nir") != 4 {
		t.Fatalf("unexpected params %v", alg.Params())
	}
}

func TestPrepareRejectsBandOutOfRange(t *testing.T) {
	op := raster.NewMemOpener()
	addScene(op, "a.tif", 1, 1, uniform(1, 1, 1, 1))

	alg, err := Discover().New("max-ndvi", map[string]any{"nir": 7}, []string{"a.tif"}, Env{Opener: op})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, _ := alg.ValidateImages(context.Background(), alg.Files())
	err = alg.Prepare(rep)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Param != "nir" {
		t.Fatalf("expected nir ConfigError, got %v", err)
	}
	if _, err := alg.ProcessImage(context.Background(), engine.Options{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected unprepared run to fail, got %v", err)
	}
}

func TestPrepareRejectsEmptyCompatibleSet(t *testing.T) {
	op := raster.NewMemOpener()
	alg, _ := Discover().New("max-ndvi", nil, []string{"missing.tif"}, Env{Opener: op})
	rep, _ := alg.ValidateImages(context.Background(), alg.Files())
	if err := alg.Prepare(rep); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
