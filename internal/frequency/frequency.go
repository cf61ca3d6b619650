// Package frequency holds the sampling and resampling frequencies climate
// indices are computed at.
package frequency

import (
	"fmt"
	"strings"

	"climdex/internal/types"
)

// Frequency is a named sampling frequency. Units is the singular time word
// used when describing windows expressed in steps of this frequency
// ("a 5 day window").
type Frequency struct {
	Name        string   `json:"name"`
	Units       string   `json:"units"`
	Description string   `json:"description"`
	Aliases     []string `json:"-"`
}

var (
	Hour    = Frequency{Name: "hour", Units: "hour", Description: "hourly time series", Aliases: []string{"h", "hourly", "hours"}}
	Day     = Frequency{Name: "day", Units: "day", Description: "daily time series", Aliases: []string{"d", "daily", "days"}}
	Week    = Frequency{Name: "week", Units: "week", Description: "weekly time series", Aliases: []string{"w", "weekly", "weeks"}}
	Month   = Frequency{Name: "month", Units: "month", Description: "monthly time series", Aliases: []string{"m", "ms", "monthly", "months"}}
	Season  = Frequency{Name: "season", Units: "season", Description: "seasonal time series", Aliases: []string{"qs-dec", "seasonal", "seasons"}}
	Quarter = Frequency{Name: "quarter", Units: "quarter", Description: "quarterly time series", Aliases: []string{"q", "qs", "quarterly", "quarters"}}
	Year    = Frequency{Name: "year", Units: "year", Description: "annual time series", Aliases: []string{"y", "ys", "a", "as", "yearly", "annual", "years"}}
)

// All returns the registered frequencies, finest first.
func All() []Frequency {
	return []Frequency{Hour, Day, Week, Month, Season, Quarter, Year}
}

// Lookup finds a frequency by name or alias, ignoring case.
func Lookup(query string) (Frequency, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, f := range All() {
		if q == f.Name {
			return f, nil
		}
		for _, alias := range f.Aliases {
			if q == alias {
				return f, nil
			}
		}
	}
	return Frequency{}, types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidFrequency,
		fmt.Sprintf("unknown frequency %q", query),
		nil,
		map[string]any{"frequency": query},
	)
}

// String returns the frequency name.
func (f Frequency) String() string {
	return f.Name
}
