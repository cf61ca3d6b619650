package dataset

import (
	"fmt"
	"math"
	"strings"
	"time"

	"climdex/internal/types"
)

var timeUnitSteps = map[string]time.Duration{
	"days":    24 * time.Hour,
	"day":     24 * time.Hour,
	"hours":   time.Hour,
	"hour":    time.Hour,
	"minutes": time.Minute,
	"minute":  time.Minute,
	"seconds": time.Second,
	"second":  time.Second,
}

var referenceLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-1-2 15:04:05",
	"2006-1-2",
}

// isTimeUnits reports whether units is a CF time encoding such as
// "days since 1850-01-01".
func isTimeUnits(units string) bool {
	step, _, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return false
	}
	_, known := timeUnitSteps[strings.ToLower(step)]
	return known
}

// decodeTimes converts CF encoded offsets to UTC timestamps. Only the
// standard and proleptic Gregorian calendars are supported.
func decodeTimes(values []float64, units, calendar string) ([]time.Time, error) {
	switch strings.ToLower(calendar) {
	case "", "standard", "gregorian", "proleptic_gregorian":
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeInternalNotImplemented,
			fmt.Sprintf("calendar %q is not supported", calendar), nil,
			map[string]any{"calendar": calendar})
	}

	stepName, ref, _ := strings.Cut(strings.TrimSpace(units), " since ")
	step := timeUnitSteps[strings.ToLower(stepName)]
	epoch, err := parseReference(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			return nil, types.NewAppError(types.ErrCodeInternalDatasetCorruption,
				fmt.Sprintf("missing time value at index %d", i), nil)
		}
		out[i] = epoch.Add(time.Duration(math.Round(v * float64(step))))
	}
	return out, nil
}

// EncodeTimes is the inverse of decodeTimes for the "days since" encoding
// written by Writer.
func EncodeTimes(times []time.Time, epoch time.Time) ([]float64, string) {
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = t.Sub(epoch).Hours() / 24
	}
	return out, "days since " + epoch.UTC().Format("2006-01-02 15:04:05")
}

func parseReference(s string) (time.Time, error) {
	s = strings.TrimSuffix(strings.TrimSuffix(s, " UTC"), "Z")
	for _, layout := range referenceLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeInternalDatasetCorruption,
		fmt.Sprintf("cannot parse time reference %q", s), nil,
		map[string]any{"reference": s})
}
