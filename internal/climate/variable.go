// Package climate groups the input variables of a climate index with their
// thresholds and the index settings the threshold subsystem reads.
package climate

import (
	"fmt"
	"strings"

	"climdex/internal/labeled"
	"climdex/internal/threshold"
	"climdex/internal/types"
)

// Variable is one input series of an index, optionally compared against a
// threshold.
type Variable struct {
	Name string
	// Data is the studied series, time first.
	Data *labeled.Array
	// Reference is the series percentile thresholds are computed from. Data
	// is used when it is nil.
	Reference *labeled.Array
	Threshold *threshold.Threshold
}

// BindThreshold resolves a deferred percentile threshold against the
// reference series and expresses the threshold in the units of Data. It
// returns a new Variable; the receiver is not modified. A variable without a
// threshold is returned as is.
func (v *Variable) BindThreshold() (*Variable, error) {
	if v.Threshold == nil {
		return v, nil
	}
	if v.Data == nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidSeries,
			fmt.Sprintf("variable %q has no data", v.Name), nil,
			map[string]any{"variable": v.Name})
	}

	th := v.Threshold
	if th.IsDeferred() {
		ref := v.Reference
		if ref == nil {
			ref = v.Data
		}
		resolved, err := th.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", v.Name, err)
		}
		th = resolved
	}

	if unit := v.Data.Units(); unit != "" {
		converted, err := th.WithUnit(unit)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", v.Name, err)
		}
		th = converted
	}

	out := *v
	out.Threshold = th
	return &out, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
