// Package threshold models the comparison thresholds climate indices apply to
// data. A Threshold is built once from a query or explicit parameters, holds
// exactly one kind of value, and describes itself through CF-style metadata.
package threshold

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"climdex/internal/labeled"
	"climdex/internal/percentile"
	"climdex/internal/types"
	"climdex/internal/units"
)

// DatasetSource is an opened dataset whose variables can be read.
type DatasetSource interface {
	Variable(ctx context.Context, name string) (*labeled.Array, error)
}

// DatasetOpener reads a variable from a dataset reference such as
// "thresholds.zarr".
type DatasetOpener interface {
	ReadVariable(ctx context.Context, ref, variable string) (*labeled.Array, error)
}

// Params are the explicit construction parameters of a threshold. When Query
// is set it supplies the operator, value and unit.
type Params struct {
	Query              string
	Operator           string
	Value              any
	Unit               string
	ThresholdVarName   string
	ClimatologyBounds  []string
	Window             int
	OnlyLeapYears      bool
	Interpolation      string
	BasePeriod         []string
	ThresholdMinValue  any
	AdditionalMetadata []string
}

type options struct {
	opener         DatasetOpener
	strictOperator bool
	window         int
	interpolation  percentile.Interpolation
}

// Option customizes threshold construction.
type Option func(*options)

// WithDatasetOpener sets the collaborator used to read dataset references.
func WithDatasetOpener(o DatasetOpener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithStrictOperator makes an unknown operator a construction error instead
// of resolving to Reach.
func WithStrictOperator() Option {
	return func(opts *options) { opts.strictOperator = true }
}

// WithDefaults overrides the window and interpolation used when Params leave
// them unset.
func WithDefaults(window int, interp percentile.Interpolation) Option {
	return func(opts *options) {
		if window > 0 {
			opts.window = window
		}
		if !interp.IsZero() {
			opts.interpolation = interp
		}
	}
}

// Threshold is an immutable comparison threshold. Transformations return new
// values.
type Threshold struct {
	operator           Operator
	value              Value
	thresholdVarName   string
	climatologyBounds  []string
	window             int
	onlyLeapYears      bool
	interpolation      percentile.Interpolation
	thresholdMinValue  *units.Quantity
	basePeriod         *percentile.BasePeriod
	isDoyPercentile    bool
	additionalMetadata []string
}

// Parse builds a threshold from a query such as "> 25 degC" or
// "> 90th doy_per".
func Parse(ctx context.Context, query string, opts ...Option) (*Threshold, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalidQuery(query, "query is empty")
	}
	return New(ctx, Params{Query: query}, opts...)
}

// New builds a threshold. Dataset references are read through the configured
// DatasetOpener; a missing ThresholdVarName fails before anything is read.
func New(ctx context.Context, p Params, opts ...Option) (*Threshold, error) {
	o := options{window: percentile.DefaultWindow, interpolation: percentile.DefaultInterpolation}
	for _, opt := range opts {
		opt(&o)
	}

	if p.Query != "" {
		if err := applyQuery(&p); err != nil {
			return nil, err
		}
	}

	op, ok := LookupOperator(p.Operator)
	if !ok {
		if o.strictOperator {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownOperator,
				fmt.Sprintf("unknown operator %q", p.Operator), nil,
				map[string]any{"operator": p.Operator})
		}
		op = Reach
	}

	t := &Threshold{
		operator:           op,
		thresholdVarName:   p.ThresholdVarName,
		onlyLeapYears:      p.OnlyLeapYears,
		window:             p.Window,
		interpolation:      o.interpolation,
		additionalMetadata: slices.Clone(p.AdditionalMetadata),
	}
	if err := t.applySettings(p, o); err != nil {
		return nil, err
	}
	if err := t.classify(ctx, p, o); err != nil {
		return nil, err
	}
	return t, nil
}

func applyQuery(p *Params) error {
	terms, err := ParseQuery(p.Query)
	if err != nil {
		return err
	}
	first := terms[0]
	p.Operator = first.Operator
	if first.Unit != "" {
		p.Unit = first.Unit
	}
	if len(terms) == 1 {
		if first.Numeric {
			p.Value = first.Number
		} else {
			p.Value = first.Value
		}
		return nil
	}

	values := make([]float64, 0, len(terms))
	for _, term := range terms {
		if OperatorOrReach(term.Operator).Name != OperatorOrReach(first.Operator).Name || term.Unit != first.Unit {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationMixedSequence,
				"every clause of a threshold sequence must share its operator and unit", nil,
				map[string]any{"query": p.Query})
		}
		if !term.Numeric {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationMixedSequence,
				fmt.Sprintf("threshold sequence clause %q is not numeric", term.Value), nil,
				map[string]any{"query": p.Query})
		}
		values = append(values, term.Number)
	}
	p.Value = values
	return nil
}

func (t *Threshold) applySettings(p Params, o options) error {
	if p.Interpolation != "" {
		interp, ok := percentile.LookupInterpolation(p.Interpolation)
		if !ok {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInterpolation,
				fmt.Sprintf("unknown interpolation %q", p.Interpolation), nil,
				map[string]any{"interpolation": p.Interpolation})
		}
		t.interpolation = interp
	}
	if t.window == 0 {
		t.window = o.window
	}
	if t.window < 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidWindow,
			fmt.Sprintf("window must be positive, got %d", t.window), nil,
			map[string]any{"window": t.window})
	}

	period, err := percentile.ParseBasePeriod(p.BasePeriod)
	if err != nil {
		return err
	}
	t.basePeriod = period

	if len(p.ClimatologyBounds) > 0 {
		bounds, err := percentile.ParseBasePeriod(p.ClimatologyBounds)
		if err != nil {
			return err
		}
		t.climatologyBounds = bounds.Strings()
	}

	minValue, err := parseMinValue(p.ThresholdMinValue)
	if err != nil {
		return err
	}
	t.thresholdMinValue = minValue
	return nil
}

func (t *Threshold) classify(ctx context.Context, p Params, o options) error {
	if src, ok := p.Value.(DatasetSource); ok {
		if err := requireVarName(p.ThresholdVarName); err != nil {
			return err
		}
		arr, err := src.Variable(ctx, p.ThresholdVarName)
		if err != nil {
			return err
		}
		return t.fromArray(arr, p.Unit, true)
	}
	if ref, ok := p.Value.(string); ok && IsDatasetRef(ref) {
		if err := requireVarName(p.ThresholdVarName); err != nil {
			return err
		}
		if o.opener == nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected,
				fmt.Sprintf("no dataset opener configured to read %q", ref), nil)
		}
		arr, err := o.opener.ReadVariable(ctx, ref, p.ThresholdVarName)
		if err != nil {
			return err
		}
		return t.fromArray(arr, p.Unit, true)
	}

	if isPercentileUnit(p.Unit) {
		percentiles, ok := toFloats(p.Value, true)
		if !ok {
			return notBuilt(p.Value)
		}
		spec := percentile.Spec{
			Kind:          types.PercentilePeriod,
			Percentiles:   percentiles,
			BasePeriod:    t.referencePeriod(),
			Interpolation: t.interpolation,
			Window:        t.window,
			OnlyLeapYears: t.onlyLeapYears,
			MinValue:      t.thresholdMinValue,
		}
		if p.Unit == DoyPercentileUnit {
			spec.Kind = types.PercentileDayOfYear
			t.isDoyPercentile = true
		}
		if err := spec.Validate(); err != nil {
			return err
		}
		t.value = PercentileDeferred{Spec: spec}
		return nil
	}

	unit := normalizeUnit(p.Unit)
	switch v := p.Value.(type) {
	case *labeled.Array:
		return t.fromArray(v, p.Unit, false)
	case *percentile.Field:
		t.value = PercentileResolved{Field: v}
		t.isDoyPercentile = v.IsDayOfYear()
		return nil
	}
	if values, ok := toFloats(p.Value, false); ok {
		t.value = Sequence{Values: values, Unit: unit}
		return nil
	}
	if value, ok := toFloat(p.Value, true); ok {
		t.value = Scalar{Value: value, Unit: unit}
		return nil
	}
	return notBuilt(p.Value)
}

// referencePeriod is the base period percentiles are computed on. Explicit
// climatology bounds stand in when no base period was given.
func (t *Threshold) referencePeriod() *percentile.BasePeriod {
	if t.basePeriod != nil {
		return t.basePeriod
	}
	if len(t.climatologyBounds) == 2 {
		period, err := percentile.ParseBasePeriod(t.climatologyBounds)
		if err == nil {
			return period
		}
	}
	return nil
}

// fromArray classifies an array read from a dataset or handed in directly.
// Arrays holding percentiles become resolved percentile thresholds; anything
// else is a per-cell grid. The minimum value acts as a floor on dataset grids.
func (t *Threshold) fromArray(arr *labeled.Array, unit string, fromDataset bool) error {
	unit = normalizeUnit(unit)
	if field, ok := percentile.FieldFromArray(arr); ok {
		if len(t.climatologyBounds) == 2 {
			field = field.WithClimatologyBounds([2]string{t.climatologyBounds[0], t.climatologyBounds[1]})
		}
		if unit != "" {
			converted, err := field.WithUnits(unit)
			if err != nil {
				return err
			}
			field = converted
		}
		t.value = PercentileResolved{Field: field}
		t.isDoyPercentile = field.IsDayOfYear()
		return nil
	}

	grid := arr
	if unit != "" {
		converted, err := arr.WithUnits(unit)
		if err != nil {
			return err
		}
		grid = converted
	}
	if fromDataset && t.thresholdMinValue != nil {
		floor, err := t.thresholdMinValue.In(grid.Units())
		if err != nil {
			return err
		}
		grid = grid.Map(func(v float64) float64 { return max(v, floor) })
	}
	if len(t.climatologyBounds) == 2 {
		grid = grid.Clone()
		grid.Attrs[labeled.AttrClimatologyBounds] = slices.Clone(t.climatologyBounds)
	}
	t.value = Grid{Array: grid}
	return nil
}

// Resolve computes a deferred percentile threshold from reference data and
// returns the resolved threshold. Thresholds that are not deferred are
// returned unchanged.
func (t *Threshold) Resolve(data *labeled.Array) (*Threshold, error) {
	d, ok := t.value.(PercentileDeferred)
	if !ok {
		return t, nil
	}
	field, err := d.Spec.Build(data)
	if err != nil {
		return nil, err
	}
	out := t.clone()
	out.value = PercentileResolved{Field: field}
	return out, nil
}

// WithField resolves a deferred threshold with a field computed elsewhere,
// for example one loaded from a cache. The field kind must match.
func (t *Threshold) WithField(field *percentile.Field) (*Threshold, error) {
	d, ok := t.value.(PercentileDeferred)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"threshold is not a deferred percentile threshold", nil)
	}
	if field.Kind != d.Spec.Kind {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("field kind %s does not match threshold kind %s", field.Kind, d.Spec.Kind), nil,
			map[string]any{"field_kind": field.Kind, "threshold_kind": d.Spec.Kind})
	}
	out := t.clone()
	out.value = PercentileResolved{Field: field}
	return out, nil
}

// Unit returns the unit of the threshold value. It reports false while the
// value is a deferred percentile, whose unit follows the reference data.
func (t *Threshold) Unit() (string, bool) {
	switch v := t.value.(type) {
	case Scalar:
		return v.Unit, true
	case Sequence:
		return v.Unit, true
	case Grid:
		return v.Array.Units(), true
	case PercentileResolved:
		return v.Field.Unit(), true
	default:
		return "", false
	}
}

// WithUnit returns a threshold expressed in unit. Values that already carry a
// unit are converted; unitless values are labeled. An empty unit removes the
// label from every value kind. A deferred percentile is returned unchanged.
func (t *Threshold) WithUnit(unit string) (*Threshold, error) {
	unit = normalizeUnit(unit)
	out := t.clone()
	switch v := t.value.(type) {
	case Scalar:
		if v.Unit == "" || unit == "" {
			out.value = Scalar{Value: v.Value, Unit: unit}
			return out, nil
		}
		converted, err := units.Convert(v.Value, v.Unit, unit)
		if err != nil {
			return nil, err
		}
		out.value = Scalar{Value: converted, Unit: unit}
	case Sequence:
		if v.Unit == "" || unit == "" {
			out.value = Sequence{Values: slices.Clone(v.Values), Unit: unit}
			return out, nil
		}
		converted, err := units.ConvertSlice(v.Values, v.Unit, unit)
		if err != nil {
			return nil, err
		}
		out.value = Sequence{Values: converted, Unit: unit}
	case Grid:
		arr, err := v.Array.WithUnits(unit)
		if err != nil {
			return nil, err
		}
		out.value = Grid{Array: arr}
	case PercentileResolved:
		field, err := v.Field.WithUnits(unit)
		if err != nil {
			return nil, err
		}
		out.value = PercentileResolved{Field: field}
	}
	return out, nil
}

// Operator returns the comparison operator.
func (t *Threshold) Operator() Operator { return t.operator }

// Value returns the threshold value.
func (t *Threshold) Value() Value { return t.value }

// IsDeferred reports whether the threshold still waits for reference data.
func (t *Threshold) IsDeferred() bool {
	_, ok := t.value.(PercentileDeferred)
	return ok
}

// ThresholdVarName returns the dataset variable the value was read from.
func (t *Threshold) ThresholdVarName() string { return t.thresholdVarName }

// ClimatologyBounds returns the requested climatology bounds, or the bounds
// of the computed percentile field once resolved.
func (t *Threshold) ClimatologyBounds() []string {
	if r, ok := t.value.(PercentileResolved); ok {
		return []string{r.Field.ClimatologyBounds[0], r.Field.ClimatologyBounds[1]}
	}
	return slices.Clone(t.climatologyBounds)
}

// Window returns the day-of-year window width.
func (t *Threshold) Window() int { return t.window }

// OnlyLeapYears reports whether day-of-year percentiles use leap years only.
func (t *Threshold) OnlyLeapYears() bool { return t.onlyLeapYears }

// Interpolation returns the percentile interpolation rule.
func (t *Threshold) Interpolation() percentile.Interpolation { return t.interpolation }

// ThresholdMinValue returns the minimum value floor, or nil.
func (t *Threshold) ThresholdMinValue() *units.Quantity {
	if t.thresholdMinValue == nil {
		return nil
	}
	q := *t.thresholdMinValue
	return &q
}

// BasePeriod returns the reference period, or nil when the whole series is
// used.
func (t *Threshold) BasePeriod() *percentile.BasePeriod { return t.basePeriod }

// IsDoyPercentile reports whether the threshold is a day-of-year percentile.
func (t *Threshold) IsDoyPercentile() bool { return t.isDoyPercentile }

// AdditionalMetadata returns the caller-supplied provenance notes.
func (t *Threshold) AdditionalMetadata() []string { return slices.Clone(t.additionalMetadata) }

// String renders the threshold as a query-like string.
func (t *Threshold) String() string {
	var b strings.Builder
	b.WriteString(t.operator.Symbol)
	b.WriteByte(' ')
	switch v := t.value.(type) {
	case Scalar:
		b.WriteString(joinNonEmpty(" ", formatNumber(v.Value), v.Unit))
	case Sequence:
		b.WriteString(joinNonEmpty(" ", formatList(v.Values), v.Unit))
	case Grid:
		b.WriteString(joinNonEmpty(" ", "grid", v.Array.Units()))
	case PercentileDeferred:
		b.WriteString(formatList(v.Spec.Percentiles))
		b.WriteByte(' ')
		b.WriteString(percentileUnit(v.Spec.IsDayOfYear()))
	case PercentileResolved:
		b.WriteString(formatList(v.Field.Percentiles))
		b.WriteByte(' ')
		b.WriteString(percentileUnit(v.Field.IsDayOfYear()))
	}
	return b.String()
}

func (t *Threshold) clone() *Threshold {
	out := *t
	out.climatologyBounds = slices.Clone(t.climatologyBounds)
	out.additionalMetadata = slices.Clone(t.additionalMetadata)
	return &out
}

// IsDatasetRef reports whether s looks like a reference to a dataset rather
// than a number or a unit.
func IsDatasetRef(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	lower := strings.ToLower(s)
	for _, ext := range []string{".zarr", ".nc", ".nc4"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return strings.ContainsAny(s, "*?")
}

func requireVarName(name string) error {
	if name != "" {
		return nil
	}
	return types.NewAppError(types.ErrCodeValidationMissingVarName,
		"threshold_var_name must be given to find the threshold variable when the threshold is a dataset", nil)
}

func notBuilt(value any) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationThresholdNotBuilt,
		"threshold could not be built", nil,
		map[string]any{"value_type": fmt.Sprintf("%T", value)})
}

func normalizeUnit(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" || isPercentileUnit(unit) {
		return ""
	}
	return units.Normalize(unit)
}

func parseMinValue(v any) (*units.Quantity, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(m) == "" {
			return nil, nil
		}
		q, err := units.ParseQuantity(m)
		if err != nil {
			return nil, err
		}
		return &q, nil
	case units.Quantity:
		return &m, nil
	case *units.Quantity:
		return m, nil
	}
	if f, ok := toFloat(v, false); ok {
		return &units.Quantity{Value: f}, nil
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuery,
		fmt.Sprintf("unsupported threshold_min_value of type %T", v), nil, nil)
}

func toFloat(v any, allowString bool) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if !allowString {
			return 0, false
		}
		s := strings.TrimSpace(n)
		end := units.NumberPrefixLen(s)
		if end == 0 || stripOrdinal(s[end:]) != "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s[:end], 64)
		return f, err == nil
	}
	return 0, false
}

// toFloats accepts homogeneous numeric slices. A lone number is accepted only
// when allowScalar is set, which percentile values rely on.
func toFloats(v any, allowScalar bool) ([]float64, bool) {
	switch s := v.(type) {
	case []float64:
		if len(s) == 0 {
			return nil, false
		}
		return slices.Clone(s), true
	case []int:
		return convertAll(s, func(n int) (float64, bool) { return float64(n), true })
	case []float32:
		return convertAll(s, func(n float32) (float64, bool) { return float64(n), true })
	case []string:
		return convertAll(s, func(n string) (float64, bool) { return toFloat(n, true) })
	case []any:
		return convertAll(s, func(n any) (float64, bool) { return toFloat(n, true) })
	}
	if allowScalar {
		if f, ok := toFloat(v, true); ok {
			return []float64{f}, true
		}
	}
	return nil, false
}

func convertAll[T any](in []T, fn func(T) (float64, bool)) ([]float64, bool) {
	if len(in) == 0 {
		return nil, false
	}
	out := make([]float64, len(in))
	for i, v := range in {
		f, ok := fn(v)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
