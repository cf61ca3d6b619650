package threshold

import (
	"slices"

	"climdex/internal/labeled"
	"climdex/internal/percentile"
	"climdex/internal/types"
)

// Value is the resolved form of a threshold. The set of implementations is
// closed: Scalar, Grid, PercentileDeferred, PercentileResolved and Sequence.
type Value interface {
	Kind() types.ValueKind
	isValue()
}

// Scalar is a single fixed value.
type Scalar struct {
	Value float64
	Unit  string
}

// Grid is a per-cell field of values, usually read from a dataset.
type Grid struct {
	Array *labeled.Array
}

// PercentileDeferred is a percentile threshold waiting for reference data.
type PercentileDeferred struct {
	Spec percentile.Spec
}

// PercentileResolved is a computed percentile field.
type PercentileResolved struct {
	Field *percentile.Field
}

// Sequence is an ordered list of scalar thresholds combined with a logical
// "or". It materializes as an array along the threshold dimension.
type Sequence struct {
	Values []float64
	Unit   string
}

func (Scalar) Kind() types.ValueKind             { return types.ValueScalar }
func (Grid) Kind() types.ValueKind               { return types.ValueGrid }
func (PercentileDeferred) Kind() types.ValueKind { return types.ValuePercentileDeferred }
func (PercentileResolved) Kind() types.ValueKind { return types.ValuePercentileResolved }
func (Sequence) Kind() types.ValueKind           { return types.ValueSequence }

func (Scalar) isValue()             {}
func (Grid) isValue()               {}
func (PercentileDeferred) isValue() {}
func (PercentileResolved) isValue() {}
func (Sequence) isValue()           {}

// Array returns the scalar as a zero-dimensional array.
func (s Scalar) Array() *labeled.Array {
	return labeled.Scalar(s.Value, s.Unit)
}

// Array returns the sequence along the threshold dimension.
func (s Sequence) Array() *labeled.Array {
	return labeled.FromValues(labeled.DimThreshold, slices.Clone(s.Values), s.Unit)
}

// ArrayOf returns the labeled array behind a resolved value. It reports false
// for a deferred percentile.
func ArrayOf(v Value) (*labeled.Array, bool) {
	switch v := v.(type) {
	case Scalar:
		return v.Array(), true
	case Grid:
		return v.Array, true
	case PercentileResolved:
		return v.Field.Array, true
	case Sequence:
		return v.Array(), true
	default:
		return nil, false
	}
}
