package threshold

import (
	"fmt"
	"strconv"
	"strings"

	"climdex/internal/types"
	"climdex/internal/units"
)

// Percentile unit markers. A query whose unit is one of these describes a
// percentile threshold rather than a physical value.
const (
	DoyPercentileUnit    = "doy_per"
	PeriodPercentileUnit = "period_per"
)

// Term is one "<operator> <value>[ <unit>]" clause of a query.
type Term struct {
	Operator string
	Value    string
	Number   float64
	Numeric  bool
	Unit     string
}

// ParseQuery splits a threshold query into its clauses. Clauses are separated
// by commas; "> 10 degC, > 25 degC" yields two terms.
func ParseQuery(query string) ([]Term, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalidQuery(query, "query is empty")
	}
	parts := strings.Split(query, ",")
	terms := make([]Term, 0, len(parts))
	for _, part := range parts {
		term, err := parseTerm(part)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func parseTerm(s string) (Term, error) {
	s = strings.TrimSpace(s)
	var term Term

	n := symbolPrefixLen(s)
	if n == 0 {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return Term{}, invalidQuery(s, "missing operator")
		}
		if units.NumberPrefixLen(s) > 0 {
			return Term{}, invalidQuery(s, "missing operator")
		}
		n = wordOperatorLen(s, fields)
	}
	term.Operator = s[:n]
	rest := strings.TrimSpace(s[n:])
	if rest == "" {
		return Term{}, invalidQuery(s, "missing value")
	}

	if end := units.NumberPrefixLen(rest); end > 0 {
		v, err := strconv.ParseFloat(rest[:end], 64)
		if err != nil {
			return Term{}, invalidQuery(s, "invalid number")
		}
		term.Number = v
		term.Numeric = true
		term.Value = rest[:end]
		rest = stripOrdinal(rest[end:])
	} else {
		fields := strings.Fields(rest)
		term.Value = fields[0]
		rest = strings.TrimSpace(rest[len(fields[0]):])
	}
	term.Unit = parseUnit(rest)
	return term, nil
}

// maxOperatorWords bounds the longest worded operator alias, as in
// "greater or equal to".
const maxOperatorWords = 4

// wordOperatorLen returns the length of the longest run of leading words that
// names a known operator, leaving at least one word for the value. Without a
// match it falls back to the first word.
func wordOperatorLen(s string, fields []string) int {
	for k := min(len(fields)-1, maxOperatorWords); k > 1; k-- {
		if _, ok := LookupOperator(strings.Join(fields[:k], " ")); ok {
			return wordsLen(s, fields[:k])
		}
	}
	return len(fields[0])
}

// wordsLen returns the offset in s just past the given leading words.
func wordsLen(s string, words []string) int {
	end := 0
	for _, w := range words {
		end += strings.Index(s[end:], w) + len(w)
	}
	return end
}

// symbolPrefixLen returns the length of a leading run of comparison symbols.
func symbolPrefixLen(s string) int {
	i := 0
	for i < len(s) && strings.IndexByte("<>=!", s[i]) >= 0 {
		i++
	}
	return i
}

// stripOrdinal removes a percentile ordinal suffix such as "th" in "98th".
func stripOrdinal(s string) string {
	lower := strings.ToLower(s)
	for _, suffix := range []string{"st", "nd", "rd", "th", "p"} {
		if !strings.HasPrefix(lower, suffix) {
			continue
		}
		after := s[len(suffix):]
		if after == "" || after[0] == ' ' || after[0] == '\t' {
			return strings.TrimSpace(after)
		}
	}
	return strings.TrimSpace(s)
}

// parseUnit keeps a percentile marker when present and otherwise returns the
// unit text, normalized when the unit is known.
func parseUnit(s string) string {
	fields := strings.Fields(s)
	for _, f := range fields {
		if f == DoyPercentileUnit || f == PeriodPercentileUnit {
			return f
		}
	}
	unit := strings.Join(fields, " ")
	if unit == "" {
		return ""
	}
	return units.Normalize(unit)
}

func invalidQuery(query, reason string) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidQuery,
		fmt.Sprintf("cannot parse threshold query %q: %s", strings.TrimSpace(query), reason),
		nil,
		map[string]any{"query": query},
	)
}

// isPercentileUnit reports whether unit marks a percentile threshold.
func isPercentileUnit(unit string) bool {
	return unit == DoyPercentileUnit || unit == PeriodPercentileUnit
}
