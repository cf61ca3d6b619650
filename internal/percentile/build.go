package percentile

import (
	"fmt"
	"math"
	"slices"
	"time"

	"climdex/internal/labeled"
	"climdex/internal/types"
)

// reference is a series reduced to the samples a percentile is computed on.
type reference struct {
	times  []time.Time
	values []float64 // time-major, cells per step
	cells  int
	bounds [2]string
	unit   string
}

// selectReference applies the base period, the leap-year policy and the
// minimum-value floor. Feb 29 is dropped unless only leap years are used.
func selectReference(series *labeled.Array, spec Spec, dropLeapDay bool) (*reference, error) {
	times, err := series.Times()
	if err != nil {
		return nil, err
	}
	cells := series.CellCount()
	unit := series.Units()

	floor := math.Inf(-1)
	if spec.MinValue != nil {
		v, err := spec.MinValue.In(unit)
		if err != nil {
			return nil, err
		}
		floor = v
	}

	ref := &reference{cells: cells, unit: unit}
	for i, t := range times {
		if spec.BasePeriod != nil && !spec.BasePeriod.Contains(t) {
			continue
		}
		if spec.OnlyLeapYears && !isLeap(t.Year()) {
			continue
		}
		if dropLeapDay && t.Month() == time.February && t.Day() == 29 {
			continue
		}
		ref.times = append(ref.times, t)
		for _, v := range series.Data[i*cells : (i+1)*cells] {
			if v < floor {
				v = math.NaN()
			}
			ref.values = append(ref.values, v)
		}
	}
	if len(ref.times) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPeriod,
			"base period selects no samples from the series", nil)
	}

	if spec.BasePeriod != nil {
		ref.bounds = spec.BasePeriod.Bounds()
	} else {
		ref.bounds = [2]string{ref.times[0].Format(dateLayout), ref.times[len(ref.times)-1].Format(dateLayout)}
	}
	return ref, nil
}

// quantiles sorts pool in place, dropping NaNs, and writes one value per
// percentile into out.
func quantiles(pool []float64, percentiles []float64, interp Interpolation, out []float64) {
	valid := pool[:0]
	for _, v := range pool {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	slices.Sort(valid)
	for i, p := range percentiles {
		out[i] = interp.Quantile(valid, p/100)
	}
}

// cellLayout returns the non-time dimensions of series with their shape and
// coordinates.
func cellLayout(series *labeled.Array) ([]string, []int, map[string]labeled.Coord) {
	dims := slices.Clone(series.Dims[1:])
	shape := slices.Clone(series.Shape[1:])
	coords := make(map[string]labeled.Coord, len(dims))
	for _, d := range dims {
		if c, ok := series.Coords[d]; ok {
			coords[d] = labeled.Coord{Values: slices.Clone(c.Values), Times: slices.Clone(c.Times)}
		}
	}
	return dims, shape, coords
}

func newFieldArray(series *labeled.Array, dims []string, shape []int, data []float64,
	coords map[string]labeled.Coord, spec Spec, ref *reference) (*labeled.Array, error) {
	arr, err := labeled.New(dims, shape, data)
	if err != nil {
		return nil, fmt.Errorf("percentile: assembling field: %w", err)
	}
	arr.Name = series.Name
	arr.Coords = coords
	arr.Coords[labeled.DimPercentiles] = labeled.Coord{Values: slices.Clone(spec.Percentiles)}
	if ref.unit != "" {
		arr.Attrs[labeled.AttrUnits] = ref.unit
	}
	arr.Attrs[labeled.AttrClimatologyBounds] = []string{ref.bounds[0], ref.bounds[1]}
	arr.Attrs["percentiles"] = slices.Clone(spec.Percentiles)
	arr.Attrs["interpolation"] = spec.Interpolation.Name
	arr.Attrs[attrBootstrap] = false
	return arr, nil
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func interpolationOf(spec Spec) Interpolation {
	if spec.Interpolation.IsZero() {
		return DefaultInterpolation
	}
	return spec.Interpolation
}
