package types

import "time"

// PercentileRequest is the transport form of a deferred percentile threshold.
// It carries everything a worker needs to rebuild the percentile descriptor.
type PercentileRequest struct {
	Kind          PercentileKind `json:"kind"`
	Percentiles   []float64      `json:"percentiles"`
	BasePeriod    []string       `json:"base_period,omitempty"`
	Window        int            `json:"window"`
	OnlyLeapYears bool           `json:"only_leap_years"`
	Interpolation string         `json:"interpolation"`
	MinValue      string         `json:"min_value,omitempty"`
}

// PercentileJobMessage is the SQS payload asking a worker to resolve a deferred
// percentile threshold against a variable of a dataset and persist the result.
type PercentileJobMessage struct {
	JobID       string            `json:"job_id"`
	TraceID     string            `json:"trace_id"`
	Fingerprint string            `json:"fingerprint"`
	DatasetRef  string            `json:"dataset_ref"`
	Variable    string            `json:"variable"`
	Request     PercentileRequest `json:"request"`
	RequestedAt time.Time         `json:"requested_at"`
}
