package composite

const defaultNoData = -9999.0

func init() {
	Register(Registration{
		Descriptor: Descriptor{
			Name:        "max-ndvi",
			Description: "Maximum NDVI composite",
			Params:      ndviParams(3, 4),
		},
		New: newMaxNDVI,
	})
	Register(Registration{
		Descriptor: Descriptor{
			Name:        "max-ndvi-oli",
			Description: "Maximum NDVI composite, Landsat 8 OLI band order",
			Extends:     "max-ndvi",
			Params:      ndviParams(4, 5),
		},
		New: newMaxNDVI,
	})
}

func ndviParams(red, nir int) []Param {
	return []Param{
		{Name: "red", Label: "Red Band Number", Kind: KindInt, Default: red, Band: true},
		{Name: "nir", Label: "NIR Band Number", Kind: KindInt, Default: nir, Band: true},
		{Name: "ndv", Label: "NoDataValue", Kind: KindFloat, Default: defaultNoData},
	}
}

func newMaxNDVI(desc Descriptor, params Values, files []string, env Env) (Algorithm, error) {
	rule := Rule{
		Bands: []BandRef{
			{Param: "red", Number: params.Int("red")},
			{Param: "nir", Number: params.Int("nir")},
		},
		NoData: params.Float("ndv"),
		Score:  func(v []float64) float64 { return NDVI(v[0], v[1]) },
	}
	return NewSelector(desc, params, rule, files, env), nil
}

// NDVI is (nir-red)/(nir+red). A zero denominator scores 0.
func NDVI(red, nir float64) float64 {
	sum := nir + red
	if sum == 0 {
		return 0
	}
	return (nir - red) / sum
}
