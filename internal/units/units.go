// Package units parses CF-style unit strings and converts values between
// compatible units. Only the unit families climate thresholds are expressed in
// are known: temperature, precipitation flux, length, speed and ratios.
//
// Conversions are registered with github.com/bcicen/go-units under CF names;
// the CF spellings users type are folded onto those names by Normalize.
package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	gounits "github.com/bcicen/go-units"

	"climdex/internal/types"
)

// Dimension is the physical quantity a unit measures. Conversion is only
// defined between units of the same dimension.
type Dimension string

const (
	DimTemperature   Dimension = "temperature"
	DimPrecipitation Dimension = "precipitation_flux"
	DimLength        Dimension = "length"
	DimSpeed         Dimension = "speed"
	DimRatio         Dimension = "dimensionless"
)

// Unit is a supported CF unit.
type Unit struct {
	Symbol    string
	Dimension Dimension

	def gounits.Unit
}

// registry maps the canonical symbol of every supported unit to its
// descriptor. Base units per dimension: K, kg m-2 s-1, m, m s-1, 1.
var registry = map[string]Unit{}

func register(symbol string, dim Dimension) Unit {
	u := Unit{
		Symbol:    symbol,
		Dimension: dim,
		def: gounits.NewUnit("cf:"+symbol, "cf:"+symbol,
			gounits.UnitOptionQuantity(string(dim))),
	}
	registry[symbol] = u
	return u
}

// ratio registers symbol as ratio times base.
func ratio(symbol string, base Unit, r float64) {
	u := register(symbol, base.Dimension)
	gounits.NewRatioConversion(u.def, base.def, r)
}

// affine registers symbol as scale times value plus offset in base.
func affine(symbol string, base Unit, scale, offset float64) {
	u := register(symbol, base.Dimension)
	gounits.NewConversionFromFn(u.def, base.def, func(x float64) float64 { return x*scale + offset },
		fmt.Sprintf("x * %g + %g", scale, offset))
	gounits.NewConversionFromFn(base.def, u.def, func(x float64) float64 { return (x - offset) / scale },
		fmt.Sprintf("(x - %g) / %g", offset, scale))
}

func init() {
	kelvin := register("K", DimTemperature)
	affine("degC", kelvin, 1, 273.15)
	affine("degF", kelvin, 5.0/9.0, 273.15-32*5.0/9.0)

	flux := register("kg m-2 s-1", DimPrecipitation)
	ratio("mm/day", flux, 1.0/86400)
	ratio("mm/h", flux, 1.0/3600)
	ratio("mm/s", flux, 1)

	meter := register("m", DimLength)
	ratio("cm", meter, 0.01)
	ratio("mm", meter, 0.001)
	ratio("km", meter, 1000)

	speed := register("m s-1", DimSpeed)
	ratio("km/h", speed, 1/3.6)
	ratio("mph", speed, 0.44704)
	ratio("knot", speed, 1852.0/3600)

	one := register("1", DimRatio)
	ratio("%", one, 0.01)
}

// aliases maps normalized spellings onto canonical symbols.
var aliases = map[string]string{
	"k":               "K",
	"kelvin":          "K",
	"degk":            "K",
	"degc":            "degC",
	"c":               "degC",
	"celsius":         "degC",
	"deg_c":           "degC",
	"degree_celsius":  "degC",
	"degrees_celsius": "degC",
	"degf":            "degF",
	"f":               "degF",
	"fahrenheit":      "degF",
	"kg m-2 s-1":      "kg m-2 s-1",
	"kg/m2/s":         "kg m-2 s-1",
	"kg m-2 s^-1":     "kg m-2 s-1",
	"mm/s":            "mm/s",
	"mm s-1":          "mm/s",
	"mm/day":          "mm/day",
	"mm/d":            "mm/day",
	"mm d-1":          "mm/day",
	"mm day-1":        "mm/day",
	"kg m-2 d-1":      "mm/day",
	"kg m-2 day-1":    "mm/day",
	"mm/h":            "mm/h",
	"mm/hr":           "mm/h",
	"mm h-1":          "mm/h",
	"m":               "m",
	"meter":           "m",
	"metre":           "m",
	"cm":              "cm",
	"mm":              "mm",
	"kg m-2":          "mm",
	"km":              "km",
	"m s-1":           "m s-1",
	"m/s":             "m s-1",
	"km/h":            "km/h",
	"kmh":             "km/h",
	"km h-1":          "km/h",
	"kph":             "km/h",
	"mph":             "mph",
	"knot":            "knot",
	"knots":           "knot",
	"kt":              "knot",
	"1":               "1",
	"fraction":        "1",
	"%":               "%",
	"percent":         "%",
	"pct":             "%",
}

// normalizeKey folds the spellings users type into alias lookup keys.
func normalizeKey(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "°")
	s = strings.TrimPrefix(s, "º")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "^", "")
	s = strings.ReplaceAll(s, "·", " ")
	s = strings.ReplaceAll(s, "*", " ")
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// Parse resolves a unit string to its descriptor.
func Parse(s string) (Unit, error) {
	if symbol, ok := aliases[normalizeKey(s)]; ok {
		return registry[symbol], nil
	}
	return Unit{}, types.NewAppErrorWithDetails(
		types.ErrCodeValidationUnknownUnit,
		fmt.Sprintf("unknown unit %q", s),
		nil,
		map[string]any{"unit": s},
	)
}

// Known reports whether s names a supported unit.
func Known(s string) bool {
	_, ok := aliases[normalizeKey(s)]
	return ok
}

// Normalize returns the canonical symbol for s, or s unchanged when the unit
// is not known.
func Normalize(s string) string {
	if symbol, ok := aliases[normalizeKey(s)]; ok {
		return symbol
	}
	return s
}

// Compatible reports whether values in unit a can be converted to unit b.
func Compatible(a, b string) bool {
	ua, err := Parse(a)
	if err != nil {
		return false
	}
	ub, err := Parse(b)
	if err != nil {
		return false
	}
	return ua.Dimension == ub.Dimension
}

// Converter returns a function converting values from one unit to another.
// Identical units yield the identity function without a registry lookup.
// Every supported conversion is affine, so the mapping is derived once from
// the registered conversion path.
func Converter(from, to string) (func(float64) float64, error) {
	if from == to {
		return func(v float64) float64 { return v }, nil
	}
	uf, err := Parse(from)
	if err != nil {
		return nil, err
	}
	ut, err := Parse(to)
	if err != nil {
		return nil, err
	}
	if uf.Dimension != ut.Dimension {
		return nil, incompatible(from, to, nil)
	}
	if uf.Symbol == ut.Symbol {
		return func(v float64) float64 { return v }, nil
	}
	zero, err := gounits.ConvertFloat(0, uf.def, ut.def)
	if err != nil {
		return nil, incompatible(from, to, err)
	}
	one, err := gounits.ConvertFloat(1, uf.def, ut.def)
	if err != nil {
		return nil, incompatible(from, to, err)
	}
	offset := zero.Float()
	scale := one.Float() - offset
	return func(v float64) float64 { return v*scale + offset }, nil
}

func incompatible(from, to string, err error) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationIncompatibleUnits,
		fmt.Sprintf("cannot convert %s to %s", from, to),
		err,
		map[string]any{"from": from, "to": to},
	)
}

// Convert converts a single value.
func Convert(v float64, from, to string) (float64, error) {
	fn, err := Converter(from, to)
	if err != nil {
		return 0, err
	}
	return fn(v), nil
}

// ConvertSlice returns a converted copy of values. NaN stays NaN.
func ConvertSlice(values []float64, from, to string) ([]float64, error) {
	fn, err := Converter(from, to)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			out[i] = v
			continue
		}
		out[i] = fn(v)
	}
	return out, nil
}

// Quantity is a value paired with the unit it is expressed in.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// String renders the quantity as "<value> <unit>".
func (q Quantity) String() string {
	v := strconv.FormatFloat(q.Value, 'f', -1, 64)
	if q.Unit == "" {
		return v
	}
	return v + " " + q.Unit
}

// In converts the quantity to unit. A quantity without a unit is assumed to
// already be expressed in unit.
func (q Quantity) In(unit string) (float64, error) {
	if q.Unit == "" || unit == "" {
		return q.Value, nil
	}
	return Convert(q.Value, q.Unit, unit)
}

// ParseQuantity parses strings such as "1 mm/day", "25degC" or "0.5".
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	end := NumberPrefixLen(s)
	if end == 0 {
		return Quantity{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidQuery,
			fmt.Sprintf("quantity %q does not start with a number", s),
			nil,
			map[string]any{"quantity": s},
		)
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return Quantity{}, types.NewAppError(types.ErrCodeValidationInvalidQuery,
			fmt.Sprintf("invalid number in quantity %q", s), err)
	}
	unit := strings.TrimSpace(s[end:])
	if unit != "" && !Known(unit) {
		return Quantity{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationUnknownUnit,
			fmt.Sprintf("unknown unit %q", unit),
			nil,
			map[string]any{"unit": unit},
		)
	}
	return Quantity{Value: v, Unit: Normalize(unit)}, nil
}

// NumberPrefixLen returns the length of the longest leading substring of s
// that is a decimal number, or 0 when s does not start with one.
func NumberPrefixLen(s string) int {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for k < len(s) && s[k] >= '0' && s[k] <= '9' {
			k++
		}
		if k > j {
			i = k
		}
	}
	return i
}
