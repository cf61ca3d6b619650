package percentile

import (
	"climdex/internal/labeled"
	"climdex/internal/types"
)

// BuildPeriod computes, for every cell, one value per requested percentile
// over all reference samples pooled together.
func BuildPeriod(series *labeled.Array, spec Spec) (*Field, error) {
	ref, err := selectReference(series, spec, false)
	if err != nil {
		return nil, err
	}
	cells := ref.cells
	steps := len(ref.times)
	interp := interpolationOf(spec)
	np := len(spec.Percentiles)

	data := make([]float64, cells*np)
	pool := make([]float64, 0, steps)
	for c := 0; c < cells; c++ {
		pool = pool[:0]
		for k := 0; k < steps; k++ {
			pool = append(pool, ref.values[k*cells+c])
		}
		quantiles(pool, spec.Percentiles, interp, data[c*np:(c+1)*np])
	}

	cellDims, cellShape, coords := cellLayout(series)
	dims := append(cellDims, labeled.DimPercentiles)
	shape := append(cellShape, np)

	arr, err := newFieldArray(series, dims, shape, data, coords, spec, ref)
	if err != nil {
		return nil, err
	}

	return &Field{
		Kind:              types.PercentilePeriod,
		Array:             arr,
		Percentiles:       append([]float64(nil), spec.Percentiles...),
		ClimatologyBounds: ref.bounds,
		Interpolation:     interp.Name,
		OnlyLeapYears:     spec.OnlyLeapYears,
	}, nil
}
