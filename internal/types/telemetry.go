package types

// Telemetry metric and dimension names. All metrics backends MUST use these
// constants.
const (
	MetricThresholdResolved = "ThresholdResolved"
	MetricResolutionLatency = "ResolutionLatency"
	MetricPercentileCache   = "PercentileCache"
	MetricJobDispatched     = "PercentileJobDispatched"
	MetricAPILatency        = "APILatency"
	MetricAPIRequestCount   = "APIRequestCount"

	DimKind   = "Kind"
	DimResult = "Result"
	DimLayer  = "Layer"

	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"

	MetricNamespace = "Climdex"
)
