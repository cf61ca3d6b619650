package percentile

import (
	"fmt"
	"slices"

	"climdex/internal/labeled"
	"climdex/internal/types"
)

const attrBootstrap = "bootstrap"

// Field is a computed percentile threshold: the labeled values plus the
// provenance needed to describe them.
type Field struct {
	Kind              types.PercentileKind `json:"kind"`
	Array             *labeled.Array       `json:"array"`
	Percentiles       []float64            `json:"percentiles"`
	ClimatologyBounds [2]string            `json:"climatology_bounds"`
	Window            int                  `json:"window,omitempty"`
	Interpolation     string               `json:"interpolation,omitempty"`
	OnlyLeapYears     bool                 `json:"only_leap_years,omitempty"`
	Bootstrapped      bool                 `json:"bootstrapped"`
}

// IsDayOfYear reports whether the field holds day-of-year percentiles.
func (f *Field) IsDayOfYear() bool {
	return f.Kind == types.PercentileDayOfYear
}

// Unit returns the units of the percentile values.
func (f *Field) Unit() string {
	return f.Array.Units()
}

// Size returns the number of values in the field.
func (f *Field) Size() int {
	return f.Array.Size()
}

// WithUnits returns a copy of the field expressed in unit.
func (f *Field) WithUnits(unit string) (*Field, error) {
	arr, err := f.Array.WithUnits(unit)
	if err != nil {
		return nil, err
	}
	out := *f
	out.Array = arr
	out.Percentiles = slices.Clone(f.Percentiles)
	return &out, nil
}

// FieldFromArray recognizes an array that already holds percentiles, such as
// one read back from a saved dataset. It needs a percentiles coordinate and
// climatology_bounds; a dayofyear dimension marks day-of-year percentiles.
func FieldFromArray(a *labeled.Array) (*Field, bool) {
	pc, ok := a.Coord(labeled.DimPercentiles)
	if !ok || !a.HasDim(labeled.DimPercentiles) {
		return nil, false
	}
	bounds, ok := climatologyBounds(a.Attrs[labeled.AttrClimatologyBounds])
	if !ok {
		return nil, false
	}
	f := &Field{
		Kind:              types.PercentilePeriod,
		Array:             a,
		Percentiles:       slices.Clone([]float64(pc.Values)),
		ClimatologyBounds: bounds,
	}
	if a.HasDim(labeled.DimDayOfYear) {
		f.Kind = types.PercentileDayOfYear
	}
	f.Window = intAttr(a.Attrs[labeled.AttrWindow])
	if b, ok := a.Attrs[attrBootstrap].(bool); ok {
		f.Bootstrapped = b
	}
	return f, true
}

// WithClimatologyBounds returns a copy carrying the given bounds, both on the
// field and in the array attributes.
func (f *Field) WithClimatologyBounds(bounds [2]string) *Field {
	out := *f
	out.Array = f.Array.Clone()
	out.Array.Attrs[labeled.AttrClimatologyBounds] = []string{bounds[0], bounds[1]}
	out.ClimatologyBounds = bounds
	return &out
}

func climatologyBounds(v any) ([2]string, bool) {
	switch b := v.(type) {
	case [2]string:
		return b, true
	case []string:
		if len(b) == 2 {
			return [2]string{b[0], b[1]}, true
		}
	case []any:
		if len(b) == 2 {
			return [2]string{fmt.Sprint(b[0]), fmt.Sprint(b[1])}, true
		}
	}
	return [2]string{}, false
}

func intAttr(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
