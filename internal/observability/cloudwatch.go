package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"climdex/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder emits resolution metrics to CloudWatch. Failures are
// logged and otherwise ignored.
//
// Metrics emitted:
//   - ThresholdResolved: Dims {Kind, Result}
//   - ResolutionLatency: Dims {Kind}, milliseconds
//   - PercentileCache: Dims {Layer, Result}
//   - PercentileJobDispatched: Dims {Result}
//   - APILatency / APIRequestCount: Dims {Method, Endpoint, Status}
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder publishing to types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, logger *slog.Logger) *CloudWatchRecorder {
	return &CloudWatchRecorder{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// WithNamespace returns a copy publishing to namespace. An empty namespace
// keeps the current one.
func (r *CloudWatchRecorder) WithNamespace(namespace string) *CloudWatchRecorder {
	out := *r
	if namespace != "" {
		out.namespace = namespace
	}
	return &out
}

// RecordRequest emits latency and count for one API request.
func (r *CloudWatchRecorder) RecordRequest(method, endpoint, status string, d time.Duration) {
	ctx := context.Background()
	dims := []cwtypes.Dimension{
		dim(types.DimMethod, method),
		dim(types.DimEndpoint, endpoint),
		dim(types.DimStatus, status),
	}
	r.put(ctx, types.MetricAPILatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims...)
	r.put(ctx, types.MetricAPIRequestCount, 1, cwtypes.StandardUnitCount, dims...)
}

func (r *CloudWatchRecorder) ThresholdResolved(ctx context.Context, kind, result string) {
	r.put(ctx, types.MetricThresholdResolved, 1, cwtypes.StandardUnitCount,
		dim(types.DimKind, kind), dim(types.DimResult, result))
}

func (r *CloudWatchRecorder) ResolutionLatency(ctx context.Context, kind string, d time.Duration) {
	r.put(ctx, types.MetricResolutionLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim(types.DimKind, kind))
}

func (r *CloudWatchRecorder) CacheLookup(ctx context.Context, layer string, hit bool) {
	r.put(ctx, types.MetricPercentileCache, 1, cwtypes.StandardUnitCount,
		dim(types.DimLayer, layer), dim(types.DimResult, hitLabel(hit)))
}

func (r *CloudWatchRecorder) JobDispatched(ctx context.Context, result string) {
	r.put(ctx, types.MetricJobDispatched, 1, cwtypes.StandardUnitCount, dim(types.DimResult, result))
}

func (r *CloudWatchRecorder) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}
	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.Error("failed to record metric",
			"metric", name,
			"error", err.Error(),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
