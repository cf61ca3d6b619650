package threshold

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"climdex/internal/frequency"
	"climdex/internal/labeled"
	"climdex/internal/types"
)

// maxListedValues is the number of grid or sequence values from which
// metadata reports a range instead of listing them.
const maxListedValues = 10

// Metadata is the CF-style description of a threshold.
type Metadata struct {
	StandardName       string `json:"standard_name"`
	LongName           string `json:"long_name"`
	AdditionalMetadata string `json:"additional_metadata,omitempty"`
}

// Map returns the metadata as attribute key/value pairs. Empty additional
// metadata is left out.
func (m Metadata) Map() map[string]string {
	out := map[string]string{
		labeled.AttrStandardName: m.StandardName,
		labeled.AttrLongName:     m.LongName,
	}
	if m.AdditionalMetadata != "" {
		out["additional_metadata"] = m.AdditionalMetadata
	}
	return out
}

// Metadata describes the threshold for a source series sampled at freq. The
// threshold is not modified; provenance notes are rebuilt on every call, so
// repeated calls return equal results. A deferred percentile has no values to
// describe yet and yields ErrCodeInternalNotImplemented.
func (t *Threshold) Metadata(freq frequency.Frequency) (Metadata, error) {
	notes := t.AdditionalMetadata()
	op := t.operator

	var m Metadata
	switch v := t.value.(type) {
	case Scalar:
		m = scalarMetadata(op, formatNumber(v.Value), v.Unit)
	case Sequence:
		m = gridMetadata(op, v.Array())
	case Grid:
		m = gridMetadata(op, v.Array)
	case PercentileResolved:
		var note string
		m, note = percentileMetadata(op, v.Field.Percentiles, v.Field.IsDayOfYear(),
			t.boundsText(v.Field.ClimatologyBounds), v.Field.Window, freq)
		notes = append(notes, note)
	default:
		return Metadata{}, types.NewAppErrorWithDetails(types.ErrCodeInternalNotImplemented,
			"cannot describe a threshold whose values are not computed yet", nil,
			map[string]any{"kind": t.value.Kind()})
	}
	if len(notes) > 0 {
		m.AdditionalMetadata = "(" + strings.Join(notes, ", ") + ")"
	}
	return m, nil
}

func scalarMetadata(op Operator, value, unit string) Metadata {
	return Metadata{
		StandardName: joinNonEmpty("_", op.StandardName, value, unit),
		LongName:     joinNonEmpty(" ", op.LongName, value, unit),
	}
}

func gridMetadata(op Operator, arr *labeled.Array) Metadata {
	unit := arr.Units()
	if arr.Size() == 1 {
		return scalarMetadata(op, formatNumber(arr.Data[0]), unit)
	}
	var display string
	lo, hi := arr.Min(), arr.Max()
	switch {
	case arr.Size() < maxListedValues:
		display = joinNonEmpty(" ", formatList(arr.Data), unit)
	case math.IsNaN(lo):
		display = "per grid cell values, all missing"
	default:
		display = fmt.Sprintf("per grid cell values between %s and %s",
			joinNonEmpty(" ", formatSignificant(lo), unit),
			joinNonEmpty(" ", formatSignificant(hi), unit))
	}
	return Metadata{
		StandardName: op.StandardName + "_thresholds",
		LongName:     op.LongName + " " + display,
	}
}

func percentileMetadata(op Operator, percentiles []float64, doy bool, bounds string, window int, freq frequency.Frequency) (Metadata, string) {
	kind, stdKind := "period", "period"
	if doy {
		kind, stdKind = "day of year", "doy"
	}

	var display, standard string
	if len(percentiles) == 1 {
		p := formatOrdinal(percentiles[0])
		display = fmt.Sprintf("%s %s percentile", p, kind)
		standard = fmt.Sprintf("%s_%s_percentile", p, stdKind)
	} else {
		display = fmt.Sprintf("%s %s percentiles", formatOrdinals(percentiles), kind)
		standard = stdKind + "_percentiles"
	}

	note := fmt.Sprintf("period percentiles were computed on the %s period", bounds)
	if doy {
		note = fmt.Sprintf("day of year percentiles were computed on the %s period, with a %d %s window for each day of year",
			bounds, window, freq.Units)
	}
	return Metadata{
		StandardName: op.StandardName + "_" + standard,
		LongName:     op.LongName + " " + display,
	}, note
}

func (t *Threshold) boundsText(bounds [2]string) string {
	if bounds[0] == "" && len(t.climatologyBounds) == 2 {
		bounds = [2]string{t.climatologyBounds[0], t.climatologyBounds[1]}
	}
	return "[" + bounds[0] + ", " + bounds[1] + "]"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatSignificant rounds v to three significant digits.
func formatSignificant(v float64) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return formatNumber(v)
	}
	digits := 2 - int(math.Floor(math.Log10(math.Abs(v))))
	if digits >= 0 {
		scale := math.Pow10(digits)
		return formatNumber(math.Round(v*scale) / scale)
	}
	scale := math.Pow10(-digits)
	return formatNumber(math.Round(v/scale) * scale)
}

func formatList(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatNumber(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatOrdinal(p float64) string {
	return formatNumber(p) + "th"
}

func formatOrdinals(percentiles []float64) string {
	parts := make([]string, len(percentiles))
	for i, p := range percentiles {
		parts[i] = formatOrdinal(p)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func percentileUnit(doy bool) string {
	if doy {
		return DoyPercentileUnit
	}
	return PeriodPercentileUnit
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
