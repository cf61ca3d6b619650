package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climdex/internal/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"degC", "degC"},
		{"°C", "degC"},
		{"ºC", "degC"},
		{"celsius", "degC"},
		{"K", "K"},
		{"kelvin", "K"},
		{"mm/day", "mm/day"},
		{"mm d-1", "mm/day"},
		{"kg m-2 s-1", "kg m-2 s-1"},
		{"kg m**-2 s**-1", "kg m-2 s-1"},
		{"m/s", "m s-1"},
		{"kmh", "km/h"},
		{"percent", "%"},
		{"furlongs", "furlongs"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		from, to string
		want     float64
	}{
		{"celsius to kelvin", 25, "degC", "K", 298.15},
		{"kelvin to celsius", 273.15, "K", "degC", 0},
		{"fahrenheit to celsius", 212, "degF", "degC", 100},
		{"celsius to fahrenheit", -40, "degC", "degF", -40},
		{"flux to mm/day", 1.0 / 86400, "kg m-2 s-1", "mm/day", 1},
		{"mm/day to flux", 86.4, "mm/day", "kg m-2 s-1", 0.001},
		{"km/h to m/s", 36, "km/h", "m/s", 10},
		{"percent to ratio", 50, "%", "1", 0.5},
		{"fahrenheit to kelvin", 32, "degF", "K", 273.15},
		{"mph to km/h", 1, "mph", "km/h", 1.609344},
		{"knot to mph", 1, "knot", "mph", 1852.0 / 1609.344},
		{"mm/h to mm/day", 1, "mm/h", "mm/day", 24},
		{"km to cm", 1, "km", "cm", 100000},
		{"same unit", 12.5, "mm", "mm", 12.5},
		{"alias spelling", 10, "°C", "degC", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.value, tt.from, tt.to)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestConvertErrors(t *testing.T) {
	_, err := Convert(1, "degC", "mm/day")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationIncompatibleUnits))

	_, err = Convert(1, "parsec", "m")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationUnknownUnit))
}

func TestRegistryCoversEveryAlias(t *testing.T) {
	for alias, symbol := range aliases {
		u, err := Parse(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, symbol, u.Symbol)
		assert.Equal(t, "cf:"+symbol, u.def.Name)
		assert.Equal(t, string(u.Dimension), u.def.Quantity)
	}
}

func TestConverterIsAffine(t *testing.T) {
	fn, err := Converter("degF", "degC")
	require.NoError(t, err)
	for _, v := range []float64{-40, 32, 98.6, 212} {
		assert.InDelta(t, (v-32)*5/9, fn(v), 1e-9)
	}
}

func TestConvertSliceKeepsNaN(t *testing.T) {
	in := []float64{0, math.NaN(), 10}
	out, err := ConvertSlice(in, "degC", "K")
	require.NoError(t, err)

	assert.InDelta(t, 273.15, out[0], 1e-9)
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 283.15, out[2], 1e-9)
	assert.Equal(t, 0.0, in[0], "input must not be modified")
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible("degC", "K"))
	assert.True(t, Compatible("mm/day", "kg m-2 s-1"))
	assert.False(t, Compatible("degC", "m/s"))
	assert.False(t, Compatible("degC", "unknown"))
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   string
		want Quantity
	}{
		{"1 mm/day", Quantity{Value: 1, Unit: "mm/day"}},
		{"25degC", Quantity{Value: 25, Unit: "degC"}},
		{"-3.5 °C", Quantity{Value: -3.5, Unit: "degC"}},
		{"0.5", Quantity{Value: 0.5}},
		{"1e-3 kg m-2 s-1", Quantity{Value: 0.001, Unit: "kg m-2 s-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuantity(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Value, got.Value, 1e-12)
			assert.Equal(t, tt.want.Unit, got.Unit)
		})
	}

	_, err := ParseQuantity("mm/day")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidQuery))

	_, err = ParseQuantity("3 bananas")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationUnknownUnit))
}

func TestQuantityIn(t *testing.T) {
	q := Quantity{Value: 1, Unit: "mm/day"}
	v, err := q.In("kg m-2 s-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/86400, v, 1e-15)

	bare := Quantity{Value: 3}
	v, err = bare.In("degC")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	assert.Equal(t, "1 mm/day", q.String())
	assert.Equal(t, "3", bare.String())
}

func TestNumberPrefixLen(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"25", 2},
		{"25degC", 2},
		{"-1.5 mm", 4},
		{".5", 2},
		{"98th", 2},
		{"1e5x", 3},
		{"2e", 1},
		{"abc", 0},
		{"-", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NumberPrefixLen(tt.in))
		})
	}
}
