package threshold

import "strings"

// Operator describes one comparison a threshold applies to data.
type Operator struct {
	Name         string   `json:"name"`
	Symbol       string   `json:"symbol"`
	StandardName string   `json:"standard_name"`
	LongName     string   `json:"long_name"`
	Aliases      []string `json:"aliases"`
}

var (
	GreaterThan = Operator{
		Name: "greater", Symbol: ">", StandardName: "greater_than", LongName: "greater than",
		Aliases: []string{">", "gt", "greater", "greater_than"},
	}
	GreaterOrEqual = Operator{
		Name: "greater_or_equal", Symbol: ">=", StandardName: "greater_or_equal_to", LongName: "greater or equal to",
		Aliases: []string{">=", "=>", "ge", "gte", "greater_or_equal", "greater_or_equal_to"},
	}
	LessThan = Operator{
		Name: "less", Symbol: "<", StandardName: "less_than", LongName: "less than",
		Aliases: []string{"<", "lt", "less", "less_than", "lower", "lower_than"},
	}
	LessOrEqual = Operator{
		Name: "less_or_equal", Symbol: "<=", StandardName: "less_or_equal_to", LongName: "less or equal to",
		Aliases: []string{"<=", "=<", "le", "lte", "less_or_equal", "less_or_equal_to", "lower_or_equal"},
	}
	Equal = Operator{
		Name: "equal", Symbol: "==", StandardName: "equal_to", LongName: "equal to",
		Aliases: []string{"==", "=", "eq", "equal", "equal_to"},
	}
	// Reach is the sentinel returned when no other operator matches. It
	// compares nothing; indices that only need a value use it explicitly.
	Reach = Operator{
		Name: "reach", Symbol: "reach", StandardName: "reach", LongName: "reach",
		Aliases: []string{"reach"},
	}
)

// Operators returns every registered operator, Reach last.
func Operators() []Operator {
	return []Operator{GreaterThan, GreaterOrEqual, LessThan, LessOrEqual, Equal, Reach}
}

// LookupOperator finds an operator by symbol, name or alias. Matching ignores
// case and surrounding spaces, and treats inner spaces as underscores.
func LookupOperator(query string) (Operator, bool) {
	key := strings.ToLower(strings.TrimSpace(query))
	key = strings.Join(strings.Fields(key), "_")
	if key == "" {
		return Operator{}, false
	}
	for _, op := range Operators() {
		for _, alias := range op.Aliases {
			if key == alias {
				return op, true
			}
		}
	}
	return Operator{}, false
}

// OperatorOrReach resolves query, falling back to Reach when nothing matches.
func OperatorOrReach(query string) Operator {
	if op, ok := LookupOperator(query); ok {
		return op
	}
	return Reach
}

// IsReach reports whether op is the Reach sentinel.
func (op Operator) IsReach() bool {
	return op.Name == Reach.Name
}

// String returns the operator symbol.
func (op Operator) String() string {
	return op.Symbol
}
