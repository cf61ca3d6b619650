// Package percentile builds percentile threshold fields from reference
// series. A Spec is the deferred description of a percentile threshold;
// Build turns it into a Field once the reference data is known.
package percentile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"climdex/internal/labeled"
	"climdex/internal/types"
	"climdex/internal/units"
)

// DefaultWindow is the day-of-year window width used when none is given.
const DefaultWindow = 5

// Spec describes a percentile threshold whose values depend on data that is
// not available yet.
type Spec struct {
	Kind          types.PercentileKind
	Percentiles   []float64
	BasePeriod    *BasePeriod
	Interpolation Interpolation
	Window        int
	OnlyLeapYears bool
	MinValue      *units.Quantity
}

// Validate checks the spec without touching any data.
func (s Spec) Validate() error {
	if s.Kind != types.PercentileDayOfYear && s.Kind != types.PercentilePeriod {
		return types.NewAppError(types.ErrCodeValidationInvalidPercentile,
			fmt.Sprintf("unknown percentile kind %q", s.Kind), nil)
	}
	if len(s.Percentiles) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPercentile,
			"at least one percentile is required", nil)
	}
	for _, p := range s.Percentiles {
		if p < 0 || p > 100 {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPercentile,
				fmt.Sprintf("percentile %v is outside [0, 100]", p),
				nil, map[string]any{"percentile": p})
		}
	}
	if s.Kind == types.PercentileDayOfYear && s.Window < 1 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidWindow,
			fmt.Sprintf("window must be at least 1, got %d", s.Window),
			nil, map[string]any{"window": s.Window})
	}
	return nil
}

// IsDayOfYear reports whether the spec builds a day-of-year field.
func (s Spec) IsDayOfYear() bool {
	return s.Kind == types.PercentileDayOfYear
}

// Build computes the percentile field of series. The first dimension of
// series must be time; any remaining dimensions are treated as grid cells.
func (s Spec) Build(series *labeled.Array) (*Field, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Kind == types.PercentileDayOfYear {
		return BuildDayOfYear(series, s)
	}
	return BuildPeriod(series, s)
}

// Request converts the spec to its transport form.
func (s Spec) Request() types.PercentileRequest {
	req := types.PercentileRequest{
		Kind:          s.Kind,
		Percentiles:   slices.Clone(s.Percentiles),
		Window:        s.Window,
		OnlyLeapYears: s.OnlyLeapYears,
		Interpolation: s.Interpolation.Name,
	}
	if s.BasePeriod != nil {
		req.BasePeriod = s.BasePeriod.Strings()
	}
	if s.MinValue != nil {
		req.MinValue = s.MinValue.String()
	}
	return req
}

// SpecFromRequest rebuilds a spec from its transport form.
func SpecFromRequest(req types.PercentileRequest) (Spec, error) {
	spec := Spec{
		Kind:          req.Kind,
		Percentiles:   slices.Clone(req.Percentiles),
		Window:        req.Window,
		OnlyLeapYears: req.OnlyLeapYears,
		Interpolation: DefaultInterpolation,
	}
	if req.Interpolation != "" {
		interp, ok := LookupInterpolation(req.Interpolation)
		if !ok {
			return Spec{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInterpolation,
				fmt.Sprintf("unknown interpolation %q", req.Interpolation),
				nil, map[string]any{"interpolation": req.Interpolation})
		}
		spec.Interpolation = interp
	}
	period, err := ParseBasePeriod(req.BasePeriod)
	if err != nil {
		return Spec{}, err
	}
	spec.BasePeriod = period
	if req.MinValue != "" {
		q, err := units.ParseQuantity(req.MinValue)
		if err != nil {
			return Spec{}, err
		}
		spec.MinValue = &q
	}
	return spec, spec.Validate()
}

// Fingerprint identifies the field this spec produces for the series known
// to callers as seriesKey. Equal specs over the same series share a
// fingerprint, which is what caches and job deduplication key on.
func (s Spec) Fingerprint(seriesKey string) string {
	payload, _ := json.Marshal(struct {
		Request types.PercentileRequest `json:"request"`
		Series  string                  `json:"series"`
	}{s.Request(), seriesKey})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
