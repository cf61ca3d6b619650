package percentile

import (
	"fmt"
	"strings"
	"time"

	"climdex/internal/types"
)

const dateLayout = "2006-01-02"

// BasePeriod is the inclusive reference period percentiles are computed on.
// Start is the first instant included and End the last calendar day included.
type BasePeriod struct {
	Start time.Time
	End   time.Time
}

var periodLayouts = []struct {
	layout string
	end    func(time.Time) time.Time
}{
	{time.RFC3339, func(t time.Time) time.Time { return t }},
	{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t }},
	{dateLayout, func(t time.Time) time.Time { return t }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, -1) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, -1) }},
}

// ParseBasePeriod parses a [start, end] pair. Each bound may be a year
// ("1971"), a month ("1971-01"), a date or an RFC 3339 timestamp; partial end
// bounds extend to the last day they name.
func ParseBasePeriod(bounds []string) (*BasePeriod, error) {
	if len(bounds) == 0 {
		return nil, nil
	}
	if len(bounds) != 2 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPeriod,
			fmt.Sprintf("base period needs a start and an end, got %d values", len(bounds)),
			nil, map[string]any{"base_period": bounds})
	}
	start, _, err := parseBound(bounds[0])
	if err != nil {
		return nil, err
	}
	_, end, err := parseBound(bounds[1])
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPeriod,
			fmt.Sprintf("base period ends (%s) before it starts (%s)", bounds[1], bounds[0]),
			nil, map[string]any{"base_period": bounds})
	}
	return &BasePeriod{Start: start, End: end}, nil
}

func parseBound(s string) (time.Time, time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range periodLayouts {
		t, err := time.Parse(l.layout, s)
		if err == nil {
			return t, l.end(t), nil
		}
	}
	return time.Time{}, time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPeriod,
		fmt.Sprintf("cannot parse base period bound %q", s),
		nil, map[string]any{"bound": s})
}

// Contains reports whether t falls within the period. End is compared at day
// granularity so every sample of the last day is included.
func (p BasePeriod) Contains(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	endOfDay := time.Date(p.End.Year(), p.End.Month(), p.End.Day(), 0, 0, 0, 0, p.End.Location()).AddDate(0, 0, 1)
	return t.Before(endOfDay)
}

// Bounds renders the period as ISO dates.
func (p BasePeriod) Bounds() [2]string {
	return [2]string{p.Start.Format(dateLayout), p.End.Format(dateLayout)}
}

// Strings returns the bounds as a slice, the form carried on the wire.
func (p BasePeriod) Strings() []string {
	b := p.Bounds()
	return b[:]
}
