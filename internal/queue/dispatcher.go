// Package queue hands deferred percentile thresholds to the resolver worker
// through SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"climdex/internal/config"
	"climdex/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Job identifies the variable a deferred percentile threshold is resolved
// against.
type Job struct {
	Fingerprint string
	DatasetRef  string
	Variable    string
	Request     types.PercentileRequest
	// TraceID is propagated when set; a fresh one is generated otherwise.
	TraceID string
}

// JobDispatcher serializes percentile jobs and sends them to the percentile
// job queue.
type JobDispatcher struct {
	client   SQSSender
	queueURL string
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewJobDispatcher reads the queue URL from the AWSConfig.
func NewJobDispatcher(client SQSSender, awsCfg config.AWSConfig, clock clockwork.Clock, logger *slog.Logger) *JobDispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobDispatcher{
		client:   client,
		queueURL: awsCfg.PercentileJobQueue,
		clock:    clock,
		logger:   logger,
	}
}

// Dispatch enqueues job and returns the message that was sent.
func (d *JobDispatcher) Dispatch(ctx context.Context, job Job) (types.PercentileJobMessage, error) {
	if job.Fingerprint == "" || job.DatasetRef == "" || job.Variable == "" {
		return types.PercentileJobMessage{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"percentile job needs a fingerprint, a dataset reference and a variable",
			nil,
			map[string]any{"fingerprint": job.Fingerprint, "dataset_ref": job.DatasetRef, "variable": job.Variable},
		)
	}
	traceID := job.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	msg := types.PercentileJobMessage{
		JobID:       uuid.New().String(),
		TraceID:     traceID,
		Fingerprint: job.Fingerprint,
		DatasetRef:  job.DatasetRef,
		Variable:    job.Variable,
		Request:     job.Request,
		RequestedAt: d.clock.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return types.PercentileJobMessage{}, fmt.Errorf("queue: failed to marshal PercentileJobMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(job.Request.Kind)),
			},
			"fingerprint": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Fingerprint),
			},
		},
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return types.PercentileJobMessage{}, types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send percentile job to %s", d.queueURL), err)
	}

	d.logger.InfoContext(ctx, "percentile job sent",
		"queue_url", d.queueURL,
		"job_id", msg.JobID,
		"trace_id", msg.TraceID,
		"fingerprint", msg.Fingerprint,
		"dataset_ref", msg.DatasetRef,
		"variable", msg.Variable,
		"kind", string(msg.Request.Kind),
	)
	return msg, nil
}

// DecodeJob parses a message body produced by Dispatch.
func DecodeJob(body string) (types.PercentileJobMessage, error) {
	var msg types.PercentileJobMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return types.PercentileJobMessage{}, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"percentile job body is not valid JSON", err)
	}
	if msg.JobID == "" || msg.Fingerprint == "" || msg.DatasetRef == "" || msg.Variable == "" {
		return types.PercentileJobMessage{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"percentile job is missing required fields",
			nil,
			map[string]any{"job_id": msg.JobID},
		)
	}
	return msg, nil
}
