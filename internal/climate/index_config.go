package climate

import (
	"fmt"
	"slices"

	"climdex/internal/frequency"
	"climdex/internal/percentile"
	"climdex/internal/threshold"
	"climdex/internal/types"
)

// Variable names recognized when picking a role out of several inputs.
var (
	TasNames     = []string{"tas", "tavg", "ta", "tasadjust", "tmean", "tm", "tg", "meant"}
	TasMaxNames  = []string{"tasmax", "tasmaxadjust", "tmax", "tx", "maxt"}
	TasMinNames  = []string{"tasmin", "tasminadjust", "tmin", "tn", "mint"}
	PrNames      = []string{"pr", "pradjust", "prec", "rr", "precip"}
	SfcWindNames = []string{"sfcwind", "sfcwindadjust", "wind", "fg"}
)

// IndexConfigParams are the settings an index is computed with.
type IndexConfigParams struct {
	Index          string
	Frequency      string
	Variables      []*Variable
	SavePercentile bool
	Window         int
	OutUnit        string
	Interpolation  string
}

// IndexConfig is the validated configuration of one index computation.
type IndexConfig struct {
	Index          string
	Frequency      frequency.Frequency
	Variables      []*Variable
	SavePercentile bool
	// IsPercent is set when results are expressed as a share of the
	// sampling period.
	IsPercent     bool
	OutUnit       string
	Window        int
	Interpolation percentile.Interpolation
}

// NewIndexConfig validates p. The window defaults to percentile.DefaultWindow
// and the interpolation to percentile.DefaultInterpolation.
func NewIndexConfig(p IndexConfigParams) (*IndexConfig, error) {
	if len(p.Variables) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"an index needs at least one variable", nil)
	}
	freq, err := frequency.Lookup(p.Frequency)
	if err != nil {
		return nil, err
	}
	cfg := &IndexConfig{
		Index:          p.Index,
		Frequency:      freq,
		Variables:      slices.Clone(p.Variables),
		SavePercentile: p.SavePercentile,
		IsPercent:      p.OutUnit == "%",
		OutUnit:        p.OutUnit,
		Window:         p.Window,
		Interpolation:  percentile.DefaultInterpolation,
	}
	if cfg.Window == 0 {
		cfg.Window = percentile.DefaultWindow
	}
	if cfg.Window < 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidWindow,
			fmt.Sprintf("window must be positive, got %d", p.Window), nil,
			map[string]any{"window": p.Window})
	}
	if p.Interpolation != "" {
		interp, ok := percentile.LookupInterpolation(p.Interpolation)
		if !ok {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInterpolation,
				fmt.Sprintf("unknown interpolation %q", p.Interpolation), nil,
				map[string]any{"interpolation": p.Interpolation})
		}
		cfg.Interpolation = interp
	}
	return cfg, nil
}

// Tas returns the mean temperature variable, or the first variable.
func (c *IndexConfig) Tas() *Variable {
	if v, ok := c.byName(TasNames); ok {
		return v
	}
	return c.Variables[0]
}

// TasMax returns the maximum temperature variable, or the first variable.
func (c *IndexConfig) TasMax() *Variable {
	if v, ok := c.byName(TasMaxNames); ok {
		return v
	}
	return c.Variables[0]
}

// TasMin returns the minimum temperature variable. Compound indices such as
// DTR list it second.
func (c *IndexConfig) TasMin() *Variable {
	if v, ok := c.byName(TasMinNames); ok {
		return v
	}
	return c.positional(1)
}

// Pr returns the precipitation variable. Compound indices such as CD list it
// second.
func (c *IndexConfig) Pr() *Variable {
	if v, ok := c.byName(PrNames); ok {
		return v
	}
	return c.positional(1)
}

// SfcWind returns the surface wind variable, or the first variable.
func (c *IndexConfig) SfcWind() *Variable {
	if v, ok := c.byName(SfcWindNames); ok {
		return v
	}
	return c.Variables[0]
}

// BindThresholds binds the threshold of every variable and returns a config
// holding the bound variables.
func (c *IndexConfig) BindThresholds() (*IndexConfig, error) {
	out := *c
	out.Variables = make([]*Variable, len(c.Variables))
	for i, v := range c.Variables {
		bound, err := v.BindThreshold()
		if err != nil {
			return nil, err
		}
		out.Variables[i] = bound
	}
	return &out, nil
}

// ThresholdMetadata describes the threshold of every variable that has one,
// keyed by variable name.
func (c *IndexConfig) ThresholdMetadata() (map[string]threshold.Metadata, error) {
	out := make(map[string]threshold.Metadata)
	for _, v := range c.Variables {
		if v.Threshold == nil {
			continue
		}
		md, err := v.Threshold.Metadata(c.Frequency)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", v.Name, err)
		}
		out[v.Name] = md
	}
	return out, nil
}

// byName returns the single variable whose name is in names. Ambiguous
// matches fall through to the positional rule.
func (c *IndexConfig) byName(names []string) (*Variable, bool) {
	var found *Variable
	for _, v := range c.Variables {
		if slices.Contains(names, normalizeName(v.Name)) {
			if found != nil {
				return nil, false
			}
			found = v
		}
	}
	return found, found != nil
}

func (c *IndexConfig) positional(i int) *Variable {
	if len(c.Variables) > i {
		return c.Variables[i]
	}
	return c.Variables[0]
}
