package climate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climdex/internal/labeled"
	"climdex/internal/percentile"
	"climdex/internal/threshold"
	"climdex/internal/types"
)

func series(t *testing.T, unit string, values ...float64) *labeled.Array {
	t.Helper()
	start := time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)
	times := make([]time.Time, len(values))
	for i := range values {
		times[i] = start.AddDate(0, 0, i)
	}
	s, err := labeled.NewTimeSeries(times, values, unit)
	require.NoError(t, err)
	return s
}

func TestBindThresholdConvertsScalar(t *testing.T) {
	th, err := threshold.Parse(context.Background(), "> 25 degC")
	require.NoError(t, err)

	v := &Variable{Name: "tasmax", Data: series(t, "K", 290, 300, 305), Threshold: th}
	bound, err := v.BindThreshold()
	require.NoError(t, err)

	s, ok := bound.Threshold.Value().(threshold.Scalar)
	require.True(t, ok)
	assert.InDelta(t, 298.15, s.Value, 1e-9)
	assert.Equal(t, "K", s.Unit)
	assert.Same(t, th, v.Threshold, "the receiver keeps its threshold")
}

func TestBindThresholdLabelsUnitlessScalar(t *testing.T) {
	th, err := threshold.Parse(context.Background(), ">= 1")
	require.NoError(t, err)

	bound, err := (&Variable{Name: "pr", Data: series(t, "mm/day", 0, 2, 5), Threshold: th}).BindThreshold()
	require.NoError(t, err)
	unit, ok := bound.Threshold.Unit()
	require.True(t, ok)
	assert.Equal(t, "mm/day", unit)
}

func TestBindThresholdResolvesPercentile(t *testing.T) {
	th, err := threshold.New(context.Background(), threshold.Params{
		Operator:      ">",
		Value:         "90th",
		Unit:          threshold.PeriodPercentileUnit,
		Interpolation: "linear",
	})
	require.NoError(t, err)

	data := series(t, "degC", 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	bound, err := (&Variable{Name: "tas", Data: data, Threshold: th}).BindThreshold()
	require.NoError(t, err)

	assert.False(t, bound.Threshold.IsDeferred())
	r, ok := bound.Threshold.Value().(threshold.PercentileResolved)
	require.True(t, ok)
	assert.InDelta(t, 9.0, r.Field.Array.Data[0], 1e-9)
}

func TestBindThresholdUsesReferenceSeries(t *testing.T) {
	th, err := threshold.New(context.Background(), threshold.Params{
		Operator:      ">",
		Value:         "50th",
		Unit:          threshold.PeriodPercentileUnit,
		Interpolation: "linear",
	})
	require.NoError(t, err)

	v := &Variable{
		Name:      "tas",
		Data:      series(t, "degC", 100, 100, 100),
		Reference: series(t, "degC", 0, 10, 20),
		Threshold: th,
	}
	bound, err := v.BindThreshold()
	require.NoError(t, err)
	r := bound.Threshold.Value().(threshold.PercentileResolved)
	assert.InDelta(t, 10.0, r.Field.Array.Data[0], 1e-9)
}

func TestBindThresholdErrors(t *testing.T) {
	th, err := threshold.Parse(context.Background(), "> 25 degC")
	require.NoError(t, err)

	_, err = (&Variable{Name: "tas", Threshold: th}).BindThreshold()
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidSeries))

	_, err = (&Variable{Name: "pr", Data: series(t, "mm/day", 1), Threshold: th}).BindThreshold()
	assert.True(t, types.IsCode(err, types.ErrCodeValidationIncompatibleUnits))

	noThreshold := &Variable{Name: "tas", Data: series(t, "K", 1)}
	bound, err := noThreshold.BindThreshold()
	require.NoError(t, err)
	assert.Same(t, noThreshold, bound)
}

func TestNewIndexConfig(t *testing.T) {
	vars := []*Variable{{Name: "tasmax"}}

	cfg, err := NewIndexConfig(IndexConfigParams{Index: "SU", Frequency: "YS", Variables: vars})
	require.NoError(t, err)
	assert.Equal(t, "year", cfg.Frequency.Name)
	assert.Equal(t, percentile.DefaultWindow, cfg.Window)
	assert.Equal(t, percentile.DefaultInterpolation, cfg.Interpolation)
	assert.False(t, cfg.IsPercent)

	cfg, err = NewIndexConfig(IndexConfigParams{Frequency: "month", Variables: vars, OutUnit: "%", Interpolation: "linear", Window: 7})
	require.NoError(t, err)
	assert.True(t, cfg.IsPercent)
	assert.Equal(t, percentile.Linear, cfg.Interpolation)
	assert.Equal(t, 7, cfg.Window)
}

func TestNewIndexConfigErrors(t *testing.T) {
	vars := []*Variable{{Name: "tas"}}
	tests := []struct {
		name   string
		params IndexConfigParams
		code   types.ErrorCode
	}{
		{"no variables", IndexConfigParams{Frequency: "year"}, types.ErrCodeValidationMissingField},
		{"bad frequency", IndexConfigParams{Frequency: "fortnight", Variables: vars}, types.ErrCodeValidationInvalidFrequency},
		{"bad window", IndexConfigParams{Frequency: "year", Variables: vars, Window: -1}, types.ErrCodeValidationInvalidWindow},
		{"bad interpolation", IndexConfigParams{Frequency: "year", Variables: vars, Interpolation: "cubic"}, types.ErrCodeValidationInvalidInterpolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIndexConfig(tt.params)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestVariableRoles(t *testing.T) {
	tasmax := &Variable{Name: "tasmax"}
	tasmin := &Variable{Name: "TN"}
	pr := &Variable{Name: "precip"}
	wind := &Variable{Name: "sfcWind"}

	cfg, err := NewIndexConfig(IndexConfigParams{Frequency: "year", Variables: []*Variable{tasmax, tasmin, pr, wind}})
	require.NoError(t, err)
	assert.Same(t, tasmax, cfg.TasMax())
	assert.Same(t, tasmin, cfg.TasMin())
	assert.Same(t, pr, cfg.Pr())
	assert.Same(t, wind, cfg.SfcWind())
	assert.Same(t, tasmax, cfg.Tas(), "no tas name: first variable")
}

func TestVariableRolesPositionalFallback(t *testing.T) {
	first := &Variable{Name: "a"}
	second := &Variable{Name: "b"}

	cfg, err := NewIndexConfig(IndexConfigParams{Frequency: "year", Variables: []*Variable{first, second}})
	require.NoError(t, err)
	assert.Same(t, first, cfg.Tas())
	assert.Same(t, first, cfg.TasMax())
	assert.Same(t, second, cfg.TasMin())
	assert.Same(t, second, cfg.Pr())

	single, err := NewIndexConfig(IndexConfigParams{Frequency: "year", Variables: []*Variable{first}})
	require.NoError(t, err)
	assert.Same(t, first, single.TasMin())
	assert.Same(t, first, single.Pr())

	// Two tas candidates are ambiguous.
	tas1 := &Variable{Name: "tas"}
	tas2 := &Variable{Name: "tg"}
	amb, err := NewIndexConfig(IndexConfigParams{Frequency: "year", Variables: []*Variable{tas2, tas1}})
	require.NoError(t, err)
	assert.Same(t, tas2, amb.Tas())
}

func TestBindThresholdsAndMetadata(t *testing.T) {
	hot, err := threshold.Parse(context.Background(), "> 25 degC")
	require.NoError(t, err)
	wet, err := threshold.Parse(context.Background(), ">= 1 mm/day")
	require.NoError(t, err)

	cfg, err := NewIndexConfig(IndexConfigParams{
		Frequency: "year",
		Variables: []*Variable{
			{Name: "tasmax", Data: series(t, "degC", 20, 30), Threshold: hot},
			{Name: "pr", Data: series(t, "mm/day", 0, 3), Threshold: wet},
			{Name: "tasmin", Data: series(t, "degC", 10, 12)},
		},
	})
	require.NoError(t, err)

	bound, err := cfg.BindThresholds()
	require.NoError(t, err)
	require.Len(t, bound.Variables, 3)

	md, err := bound.ThresholdMetadata()
	require.NoError(t, err)
	require.Len(t, md, 2)
	assert.Equal(t, "greater_than_25_degC", md["tasmax"].StandardName)
	assert.Equal(t, "greater or equal to 1 mm/day", md["pr"].LongName)
}

func TestThresholdMetadataDeferredFails(t *testing.T) {
	th, err := threshold.Parse(context.Background(), "> 90th doy_per")
	require.NoError(t, err)

	cfg, err := NewIndexConfig(IndexConfigParams{Frequency: "day", Variables: []*Variable{{Name: "tas", Threshold: th}}})
	require.NoError(t, err)

	_, err = cfg.ThresholdMetadata()
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalNotImplemented))
}
