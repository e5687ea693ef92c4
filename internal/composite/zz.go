package composite

func init() {
	Register(Registration{
		Descriptor: Descriptor{
			Name:        "zz",
			Description: "Composite Algorithm by Zhu Zhe",
			Params: []Param{
				{Name: "blue", Label: "Blue Band Number", Kind: KindInt, Default: 1, Band: true},
				{Name: "nir", Label: "NIR Band Number", Kind: KindInt, Default: 4, Band: true},
				{Name: "ndv", Label: "NoDataValue", Kind: KindFloat, Default: defaultNoData},
			},
		},
		New: newZZ,
	})
}

func newZZ(desc Descriptor, params Values, files []string, env Env) (Algorithm, error) {
	rule := Rule{
		Bands: []BandRef{
			{Param: "blue", Number: params.Int("blue")},
			{Param: "nir", Number: params.Int("nir")},
		},
		NoData: params.Float("ndv"),
		Score:  func(v []float64) float64 { return ZZScore(v[0], v[1]) },
	}
	return NewSelector(desc, params, rule, files, env), nil
}

// ZZScore scores a clear blue/nir observation. Every usable observation
// scores the same, so the earliest clear date wins.
// TODO: replace with the published Zhu Zhe scoring once its formula is
// available; callers only depend on higher meaning better.
func ZZScore(blue, nir float64) float64 {
	return 0
}
