// Package labeled provides a small n-dimensional array with named dimensions,
// coordinate labels and attributes. It is the in-memory form of dataset
// variables, threshold grids and percentile fields.
package labeled

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"climdex/internal/types"
	"climdex/internal/units"
)

// Well-known dimension and attribute names.
const (
	DimTime        = "time"
	DimDayOfYear   = "dayofyear"
	DimPercentiles = "percentiles"
	DimThreshold   = "threshold"

	AttrUnits             = "units"
	AttrClimatologyBounds = "climatology_bounds"
	AttrWindow            = "window"
	AttrStandardName      = "standard_name"
	AttrLongName          = "long_name"
)

// Coord labels one dimension. Time dimensions use Times, all others Values.
type Coord struct {
	Values Floats      `json:"values,omitempty"`
	Times  []time.Time `json:"times,omitempty"`
}

// Len returns the number of labels.
func (c Coord) Len() int {
	if len(c.Times) > 0 {
		return len(c.Times)
	}
	return len(c.Values)
}

// Array is a row-major float64 array. Arrays handed out by constructors and
// transformations are never mutated afterwards; use Clone before editing.
type Array struct {
	Name   string           `json:"name,omitempty"`
	Dims   []string         `json:"dims"`
	Shape  []int            `json:"shape"`
	Data   Floats           `json:"data"`
	Coords map[string]Coord `json:"coords,omitempty"`
	Attrs  map[string]any   `json:"attrs,omitempty"`
}

// New builds an array and checks that dims, shape and data agree.
func New(dims []string, shape []int, data []float64) (*Array, error) {
	if len(dims) != len(shape) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSeries,
			fmt.Sprintf("dims %v do not match shape %v", dims, shape), nil)
	}
	if n := product(shape); n != len(data) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSeries,
			fmt.Sprintf("shape %v holds %d values, got %d", shape, n, len(data)), nil)
	}
	return &Array{
		Dims:   slices.Clone(dims),
		Shape:  slices.Clone(shape),
		Data:   slices.Clone(data),
		Coords: map[string]Coord{},
		Attrs:  map[string]any{},
	}, nil
}

// Scalar builds a zero-dimensional array holding v.
func Scalar(v float64, unit string) *Array {
	a := &Array{Data: Floats{v}, Coords: map[string]Coord{}, Attrs: map[string]any{}}
	if unit != "" {
		a.Attrs[AttrUnits] = unit
	}
	return a
}

// FromValues builds a one-dimensional array along dim whose coordinate labels
// are the values themselves.
func FromValues(dim string, values []float64, unit string) *Array {
	a := &Array{
		Dims:   []string{dim},
		Shape:  []int{len(values)},
		Data:   slices.Clone(values),
		Coords: map[string]Coord{dim: {Values: slices.Clone(values)}},
		Attrs:  map[string]any{},
	}
	if unit != "" {
		a.Attrs[AttrUnits] = unit
	}
	return a
}

// NewTimeSeries builds a one-dimensional series along the time dimension.
func NewTimeSeries(times []time.Time, values []float64, unit string) (*Array, error) {
	if len(times) != len(values) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSeries,
			fmt.Sprintf("%d time stamps for %d values", len(times), len(values)), nil)
	}
	a := &Array{
		Dims:   []string{DimTime},
		Shape:  []int{len(values)},
		Data:   slices.Clone(values),
		Coords: map[string]Coord{DimTime: {Times: slices.Clone(times)}},
		Attrs:  map[string]any{},
	}
	if unit != "" {
		a.Attrs[AttrUnits] = unit
	}
	return a, nil
}

// Size returns the number of elements.
func (a *Array) Size() int {
	return len(a.Data)
}

// Units returns the units attribute, or "" when the array is unitless.
func (a *Array) Units() string {
	s, _ := a.Attrs[AttrUnits].(string)
	return s
}

// AttrString returns a string attribute.
func (a *Array) AttrString(key string) (string, bool) {
	s, ok := a.Attrs[key].(string)
	return s, ok
}

// DimIndex returns the axis of dim, or -1.
func (a *Array) DimIndex(dim string) int {
	return slices.Index(a.Dims, dim)
}

// HasDim reports whether the array has dimension dim.
func (a *Array) HasDim(dim string) bool {
	return a.DimIndex(dim) >= 0
}

// Coord returns the labels of dim.
func (a *Array) Coord(dim string) (Coord, bool) {
	c, ok := a.Coords[dim]
	return c, ok
}

// Times returns the time labels of a series whose first axis is time.
func (a *Array) Times() ([]time.Time, error) {
	if len(a.Dims) == 0 || a.Dims[0] != DimTime {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSeries,
			fmt.Sprintf("expected %q as first dimension, got %v", DimTime, a.Dims), nil)
	}
	c, ok := a.Coords[DimTime]
	if !ok || len(c.Times) != a.Shape[0] {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSeries,
			"time coordinate is missing or does not match the time axis", nil)
	}
	return c.Times, nil
}

// CellCount returns the number of elements in one slice along the first axis.
// For a time-major series it is the number of grid cells.
func (a *Array) CellCount() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return product(a.Shape[1:])
}

// At returns the element at the given index, one entry per dimension.
func (a *Array) At(idx ...int) (float64, error) {
	if len(idx) != len(a.Shape) {
		return 0, fmt.Errorf("labeled: %d indices for %d dimensions", len(idx), len(a.Shape))
	}
	flat := 0
	for i, n := range a.Shape {
		if idx[i] < 0 || idx[i] >= n {
			return 0, fmt.Errorf("labeled: index %d out of range for %s (size %d)", idx[i], a.Dims[i], n)
		}
		flat = flat*n + idx[i]
	}
	return a.Data[flat], nil
}

// Min returns the smallest non-NaN element, or NaN when there is none.
func (a *Array) Min() float64 {
	out := math.NaN()
	for _, v := range a.Data {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(out) || v < out {
			out = v
		}
	}
	return out
}

// Max returns the largest non-NaN element, or NaN when there is none.
func (a *Array) Max() float64 {
	out := math.NaN()
	for _, v := range a.Data {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(out) || v > out {
			out = v
		}
	}
	return out
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	out := &Array{
		Name:   a.Name,
		Dims:   slices.Clone(a.Dims),
		Shape:  slices.Clone(a.Shape),
		Data:   slices.Clone(a.Data),
		Coords: make(map[string]Coord, len(a.Coords)),
		Attrs:  maps.Clone(a.Attrs),
	}
	if out.Attrs == nil {
		out.Attrs = map[string]any{}
	}
	for k, c := range a.Coords {
		out.Coords[k] = Coord{Values: slices.Clone(c.Values), Times: slices.Clone(c.Times)}
	}
	return out
}

// WithUnits returns a copy expressed in unit. A unitless array is labeled
// with unit; an array with units is converted. An empty unit removes the
// label and keeps the values.
func (a *Array) WithUnits(unit string) (*Array, error) {
	out := a.Clone()
	current := a.Units()
	switch {
	case unit == "":
		delete(out.Attrs, AttrUnits)
		return out, nil
	case current == "" || current == unit:
		out.Attrs[AttrUnits] = unit
		return out, nil
	}
	data, err := units.ConvertSlice(a.Data, current, unit)
	if err != nil {
		return nil, err
	}
	out.Data = data
	out.Attrs[AttrUnits] = unit
	return out, nil
}

// Map returns a copy with fn applied to every non-NaN element.
func (a *Array) Map(fn func(float64) float64) *Array {
	out := a.Clone()
	for i, v := range out.Data {
		if !math.IsNaN(v) {
			out.Data[i] = fn(v)
		}
	}
	return out
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
