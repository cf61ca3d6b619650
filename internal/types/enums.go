package types

// PercentileKind distinguishes the two percentile threshold families.
type PercentileKind string

const (
	// PercentileDayOfYear computes one value per calendar day using a
	// centered window across the reference years.
	PercentileDayOfYear PercentileKind = "day_of_year"
	// PercentilePeriod computes one value over the whole reference period.
	PercentilePeriod PercentileKind = "period"
)

// ValueKind names the resolved shape of a threshold value. It is the wire
// form of the threshold.Value variants.
type ValueKind string

const (
	ValueScalar             ValueKind = "scalar"
	ValueGrid               ValueKind = "grid"
	ValuePercentileDeferred ValueKind = "percentile_deferred"
	ValuePercentileResolved ValueKind = "percentile_resolved"
	ValueSequence           ValueKind = "sequence"
)

// Canonical CF short names of the climate variables index configurations
// look up by role.
const (
	VarTas     = "tas"
	VarTasMax  = "tasmax"
	VarTasMin  = "tasmin"
	VarPr      = "pr"
	VarSfcWind = "sfcWind"
)
