package percentile

import (
	"math"
	"strings"
)

type interpolationMode int

const (
	modeInterpolate interpolationMode = iota
	modeLower
	modeHigher
	modeNearest
	modeMidpoint
)

// Interpolation is an order-statistic rule for estimating a quantile from a
// finite sorted sample. Alpha and Beta are the plotting position parameters
// of the Hyndman & Fan family.
type Interpolation struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Alpha       float64 `json:"alpha"`
	Beta        float64 `json:"beta"`
	mode        interpolationMode
}

var (
	Nearest = Interpolation{
		Name: "nearest", Description: "closest order statistic, ties to even",
		Alpha: 1, Beta: 1, mode: modeNearest,
	}
	Linear = Interpolation{
		Name: "linear", Description: "linear interpolation between order statistics (Hyndman & Fan type 7)",
		Alpha: 1, Beta: 1, mode: modeInterpolate,
	}
	Lower = Interpolation{
		Name: "lower", Description: "order statistic just below the quantile position",
		Alpha: 1, Beta: 1, mode: modeLower,
	}
	Higher = Interpolation{
		Name: "higher", Description: "order statistic just above the quantile position",
		Alpha: 1, Beta: 1, mode: modeHigher,
	}
	Midpoint = Interpolation{
		Name: "midpoint", Description: "mean of the surrounding order statistics",
		Alpha: 1, Beta: 1, mode: modeMidpoint,
	}
	MedianUnbiased = Interpolation{
		Name: "median_unbiased", Description: "approximately median-unbiased regardless of distribution (Hyndman & Fan type 8)",
		Alpha: 1.0 / 3, Beta: 1.0 / 3, mode: modeInterpolate,
	}
)

// DefaultInterpolation is used when no rule is requested.
var DefaultInterpolation = MedianUnbiased

// Interpolations returns every registered rule.
func Interpolations() []Interpolation {
	return []Interpolation{Nearest, Linear, Lower, Higher, Midpoint, MedianUnbiased}
}

// LookupInterpolation finds a rule by name, ignoring case and accepting '-'
// or ' ' in place of '_'.
func LookupInterpolation(name string) (Interpolation, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	for _, interp := range Interpolations() {
		if interp.Name == key {
			return interp, true
		}
	}
	return Interpolation{}, false
}

// String returns the rule name.
func (i Interpolation) String() string {
	return i.Name
}

// IsZero reports whether i is the zero value.
func (i Interpolation) IsZero() bool {
	return i.Name == ""
}

// Quantile estimates the q-th quantile (0 <= q <= 1) of an ascending sample
// without NaNs. An empty sample yields NaN.
func (i Interpolation) Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	virtual := float64(n)*q + i.Alpha + q*(1-i.Alpha-i.Beta) - 1
	virtual = math.Max(0, math.Min(virtual, float64(n-1)))

	lo := int(math.Floor(virtual))
	hi := int(math.Ceil(virtual))
	frac := virtual - float64(lo)

	switch i.mode {
	case modeLower:
		return sorted[lo]
	case modeHigher:
		return sorted[hi]
	case modeNearest:
		return sorted[int(math.RoundToEven(virtual))]
	case modeMidpoint:
		return (sorted[lo] + sorted[hi]) / 2
	default:
		return sorted[lo] + frac*(sorted[hi]-sorted[lo])
	}
}
