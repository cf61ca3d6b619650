package percentile

import (
	"math"
	"time"

	"climdex/internal/labeled"
	"climdex/internal/types"
)

// BuildDayOfYear computes one percentile value per day of year and cell. The
// sample for a day pools, over every reference year, the values within a
// centered window of spec.Window consecutive time steps.
//
// With OnlyLeapYears the reference is restricted to leap years and days run
// 1..366. Otherwise Feb 29 is dropped and days follow a 365-day calendar.
func BuildDayOfYear(series *labeled.Array, spec Spec) (*Field, error) {
	if spec.Window < 1 {
		spec.Window = DefaultWindow
	}
	ref, err := selectReference(series, spec, !spec.OnlyLeapYears)
	if err != nil {
		return nil, err
	}

	days := 365
	if spec.OnlyLeapYears {
		days = 366
	}
	cells := ref.cells
	steps := len(ref.times)

	// pools[day*cells+cell] collects the windowed sample of one day and cell.
	pools := make([][]float64, days*cells)
	before := spec.Window / 2
	for k := 0; k < steps; k++ {
		day := dayOfYear(ref.times[k], spec.OnlyLeapYears) - 1
		lo := max(k-before, 0)
		hi := min(k-before+spec.Window-1, steps-1)
		for j := lo; j <= hi; j++ {
			for c := 0; c < cells; c++ {
				idx := day*cells + c
				pools[idx] = append(pools[idx], ref.values[j*cells+c])
			}
		}
	}

	interp := interpolationOf(spec)
	np := len(spec.Percentiles)
	data := make([]float64, days*cells*np)
	for i, pool := range pools {
		out := data[i*np : (i+1)*np]
		if len(pool) == 0 {
			for p := range out {
				out[p] = math.NaN()
			}
			continue
		}
		quantiles(pool, spec.Percentiles, interp, out)
	}

	cellDims, cellShape, coords := cellLayout(series)
	dims := append([]string{labeled.DimDayOfYear}, cellDims...)
	dims = append(dims, labeled.DimPercentiles)
	shape := append([]int{days}, cellShape...)
	shape = append(shape, np)

	doys := make([]float64, days)
	for d := range doys {
		doys[d] = float64(d + 1)
	}
	coords[labeled.DimDayOfYear] = labeled.Coord{Values: doys}

	arr, err := newFieldArray(series, dims, shape, data, coords, spec, ref)
	if err != nil {
		return nil, err
	}
	arr.Attrs[labeled.AttrWindow] = spec.Window

	return &Field{
		Kind:              types.PercentileDayOfYear,
		Array:             arr,
		Percentiles:       append([]float64(nil), spec.Percentiles...),
		ClimatologyBounds: ref.bounds,
		Window:            spec.Window,
		Interpolation:     interp.Name,
		OnlyLeapYears:     spec.OnlyLeapYears,
	}, nil
}

// dayOfYear maps t onto 1..366 for leap-year references, or onto a 365-day
// calendar where every date after Feb 28 of a leap year moves back one day.
func dayOfYear(t time.Time, leap bool) int {
	yd := t.YearDay()
	if leap || !isLeap(t.Year()) {
		return yd
	}
	if yd > 59 {
		return yd - 1
	}
	return yd
}
