package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climdex/internal/config"
	"climdex/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/percentile-jobs"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(mock *mockSQSSender) *JobDispatcher {
	awsCfg := config.AWSConfig{PercentileJobQueue: testQueueURL}
	return NewJobDispatcher(mock, awsCfg, clockwork.NewFakeClockAt(testNow), slog.Default())
}

func testJob() Job {
	return Job{
		Fingerprint: "fp-123",
		DatasetRef:  "s3-mirror/tasmax.zarr",
		Variable:    "tasmax",
		Request: types.PercentileRequest{
			Kind:          types.PercentileDayOfYear,
			Percentiles:   []float64{90},
			BasePeriod:    []string{"1961-01-01", "1990-12-31"},
			Window:        5,
			Interpolation: "median_unbiased",
		},
	}
}

func TestDispatch_SendsMessage(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)

	msg, err := d.Dispatch(context.Background(), testJob())
	require.NoError(t, err)
	require.Len(t, mock.calls, 1)

	input := mock.calls[0]
	assert.Equal(t, testQueueURL, *input.QueueUrl)
	assert.Equal(t, "day_of_year", *input.MessageAttributes["kind"].StringValue)
	assert.Equal(t, "fp-123", *input.MessageAttributes["fingerprint"].StringValue)

	var sent types.PercentileJobMessage
	require.NoError(t, json.Unmarshal([]byte(*input.MessageBody), &sent))
	assert.Equal(t, msg.JobID, sent.JobID)
	assert.NotEmpty(t, sent.JobID)
	assert.NotEmpty(t, sent.TraceID)
	assert.Equal(t, "tasmax", sent.Variable)
	assert.Equal(t, []float64{90}, sent.Request.Percentiles)
	assert.True(t, sent.RequestedAt.Equal(testNow), "RequestedAt = %v", sent.RequestedAt)
}

func TestDispatch_PropagatesTraceID(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)

	job := testJob()
	job.TraceID = "trace-abc"
	msg, err := d.Dispatch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "trace-abc", msg.TraceID)
}

func TestDispatch_UniqueJobIDs(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)

	first, err := d.Dispatch(context.Background(), testJob())
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), testJob())
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestDispatch_SendFailure(t *testing.T) {
	sendErr := errors.New("throttled")
	mock := &mockSQSSender{err: sendErr}
	d := newTestDispatcher(mock)

	_, err := d.Dispatch(context.Background(), testJob())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamQueue))
	assert.ErrorIs(t, err, sendErr)
}

func TestDispatch_MissingFields(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)

	job := testJob()
	job.Variable = ""
	_, err := d.Dispatch(context.Background(), job)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
	assert.Empty(t, mock.calls, "nothing should be sent for an incomplete job")
}

func TestDecodeJob(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)
	sent, err := d.Dispatch(context.Background(), testJob())
	require.NoError(t, err)

	got, err := DecodeJob(*mock.calls[0].MessageBody)
	require.NoError(t, err)
	assert.Equal(t, sent.JobID, got.JobID)
	assert.Equal(t, sent.Request, got.Request)

	tests := []struct {
		name string
		body string
		code types.ErrorCode
	}{
		{"not json", "{", types.ErrCodeValidationInvalidJSON},
		{"missing job id", `{"fingerprint":"fp","dataset_ref":"a.zarr","variable":"tas"}`, types.ErrCodeValidationMissingField},
		{"missing variable", `{"job_id":"j","fingerprint":"fp","dataset_ref":"a.zarr"}`, types.ErrCodeValidationMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJob(tt.body)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
		})
	}
}
