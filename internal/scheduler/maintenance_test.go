package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"climdex/internal/types"
)

type mockFieldPruner struct {
	mock.Mock
}

func (m *mockFieldPruner) DeleteUnusedSince(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockJobExpirer struct {
	mock.Mock
}

func (m *mockJobExpirer) FailPendingBefore(ctx context.Context, cutoff time.Time, reason string, at time.Time) (int64, error) {
	args := m.Called(ctx, cutoff, reason, at)
	return args.Get(0).(int64), args.Error(1)
}

var testNow = time.Date(2026, time.February, 6, 3, 0, 0, 0, time.UTC)

func newTestService(f FieldPruner, j JobExpirer) *MaintenanceService {
	return NewMaintenanceService(MaintenanceConfig{
		Fields:       f,
		Jobs:         j,
		RetainUnused: 30 * 24 * time.Hour,
		JobTimeout:   time.Hour,
		Clock:        clockwork.NewFakeClockAt(testNow),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestPruneFields(t *testing.T) {
	f := &mockFieldPruner{}
	f.On("DeleteUnusedSince", mock.Anything, testNow.Add(-30*24*time.Hour)).Return(int64(4), nil)

	n, err := newTestService(f, &mockJobExpirer{}).PruneFields(context.Background(), testNow)

	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	f.AssertExpectations(t)
}

func TestPruneFields_DBError(t *testing.T) {
	f := &mockFieldPruner{}
	f.On("DeleteUnusedSince", mock.Anything, mock.Anything).
		Return(int64(0), types.NewAppError(types.ErrCodeInternalDB, "failed to prune", errors.New("timeout")))

	_, err := newTestService(f, &mockJobExpirer{}).PruneFields(context.Background(), testNow)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestPruneFields_RequiresRetention(t *testing.T) {
	svc := NewMaintenanceService(MaintenanceConfig{Fields: &mockFieldPruner{}})

	_, err := svc.PruneFields(context.Background(), testNow)

	assert.Equal(t, types.CategoryConfiguration, types.CategoryOf(err))
}

func TestExpireStaleJobs(t *testing.T) {
	j := &mockJobExpirer{}
	j.On("FailPendingBefore", mock.Anything, testNow.Add(-time.Hour), "no result after 1h0m0s", testNow).
		Return(int64(2), nil)

	n, err := newTestService(&mockFieldPruner{}, j).ExpireStaleJobs(context.Background(), testNow)

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	j.AssertExpectations(t)
}

func TestExpireStaleJobs_DBError(t *testing.T) {
	j := &mockJobExpirer{}
	j.On("FailPendingBefore", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(int64(0), errors.New("connection reset"))

	_, err := newTestService(&mockFieldPruner{}, j).ExpireStaleJobs(context.Background(), testNow)

	assert.ErrorContains(t, err, "connection reset")
}

func TestRun_UsesClockByDefault(t *testing.T) {
	f := &mockFieldPruner{}
	f.On("DeleteUnusedSince", mock.Anything, testNow.Add(-30*24*time.Hour)).Return(int64(1), nil)

	res, err := newTestService(f, &mockJobExpirer{}).Run(context.Background(),
		MaintenancePayload{Task: TaskPruneFields})

	require.NoError(t, err)
	assert.Equal(t, Result{Task: TaskPruneFields, Items: 1, ReferenceTime: testNow}, res)
}

func TestRun_ReferenceTimeOverride(t *testing.T) {
	ref := time.Date(2025, time.December, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	j := &mockJobExpirer{}
	j.On("FailPendingBefore", mock.Anything, ref.UTC().Add(-time.Hour), mock.Anything, ref.UTC()).
		Return(int64(0), nil)

	res, err := newTestService(&mockFieldPruner{}, j).Run(context.Background(),
		MaintenancePayload{Task: TaskExpireJobs, ReferenceTime: &ref})

	require.NoError(t, err)
	assert.Equal(t, ref.UTC(), res.ReferenceTime)
	j.AssertExpectations(t)
}

func TestRun_InvalidTask(t *testing.T) {
	svc := newTestService(&mockFieldPruner{}, &mockJobExpirer{})

	tests := []struct {
		name string
		task TaskType
		code types.ErrorCode
	}{
		{name: "empty", task: "", code: types.ErrCodeValidationMissingField},
		{name: "unknown", task: "archive_everything", code: types.ErrCodeValidationInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Run(context.Background(), MaintenancePayload{Task: tt.task})
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestRun_WrapsTaskFailure(t *testing.T) {
	f := &mockFieldPruner{}
	f.On("DeleteUnusedSince", mock.Anything, mock.Anything).Return(int64(0), errors.New("disk full"))

	_, err := newTestService(f, &mockJobExpirer{}).Run(context.Background(),
		MaintenancePayload{Task: TaskPruneFields})

	assert.ErrorContains(t, err, "task prune_fields failed")
	assert.ErrorContains(t, err, "disk full")
}
