package resolve

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"climdex/internal/db"
	"climdex/internal/labeled"
	"climdex/internal/queue"
	"climdex/internal/threshold"
	"climdex/internal/types"
)

const (
	testRef      = "reference/tas.zarr"
	testVariable = "tas"
)

var testNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// --- Fakes and mocks ---

type fakeReader struct {
	mu    sync.Mutex
	calls int
	vars  map[string]*labeled.Array
}

func (r *fakeReader) ReadVariable(_ context.Context, _, variable string) (*labeled.Array, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	arr, ok := r.vars[variable]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundVariable, "no variable "+variable, nil)
	}
	return arr.Clone(), nil
}

type mockFieldStore struct {
	mock.Mock
}

func (m *mockFieldStore) Get(ctx context.Context, fingerprint string) (*db.FieldRecord, error) {
	args := m.Called(ctx, fingerprint)
	if r := args.Get(0); r != nil {
		return r.(*db.FieldRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockFieldStore) Upsert(ctx context.Context, rec *db.FieldRecord) error {
	return m.Called(ctx, rec).Error(0)
}

type mockJobStore struct {
	mock.Mock
}

func (m *mockJobStore) Create(ctx context.Context, job *db.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobStore) PendingForFingerprint(ctx context.Context, fingerprint string) (*db.Job, error) {
	args := m.Called(ctx, fingerprint)
	if r := args.Get(0); r != nil {
		return r.(*db.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobStore) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *mockJobStore) MarkFailed(ctx context.Context, id string, cause error, at time.Time) error {
	return m.Called(ctx, id, cause, at).Error(0)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, job queue.Job) (types.PercentileJobMessage, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(types.PercentileJobMessage), args.Error(1)
}

type countingRecorder struct {
	mu       sync.Mutex
	results  map[string]int
	lookups  map[string]int
	dispatch map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{results: map[string]int{}, lookups: map[string]int{}, dispatch: map[string]int{}}
}

func (r *countingRecorder) ThresholdResolved(_ context.Context, _, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result]++
}

func (r *countingRecorder) ResolutionLatency(context.Context, string, time.Duration) {}

func (r *countingRecorder) CacheLookup(_ context.Context, layer string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.lookups[layer+":hit"]++
	} else {
		r.lookups[layer+":miss"]++
	}
}

func (r *countingRecorder) JobDispatched(_ context.Context, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch[result]++
}

// --- Helpers ---

func referenceSeries(t *testing.T) *labeled.Array {
	t.Helper()
	start := time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)
	var times []time.Time
	var values []float64
	for i := 0; i < 11; i++ {
		times = append(times, start.AddDate(0, 0, i))
		values = append(values, float64(i))
	}
	s, err := labeled.NewTimeSeries(times, values, "degC")
	require.NoError(t, err)
	return s
}

func periodThreshold(t *testing.T) *threshold.Threshold {
	t.Helper()
	th, err := threshold.New(context.Background(), threshold.Params{
		Operator:      ">",
		Value:         "90th",
		Unit:          threshold.PeriodPercentileUnit,
		Interpolation: "linear",
	})
	require.NoError(t, err)
	require.True(t, th.IsDeferred())
	return th
}

func fingerprintOf(t *testing.T, th *threshold.Threshold) string {
	t.Helper()
	d, ok := th.Value().(threshold.PercentileDeferred)
	require.True(t, ok)
	return d.Spec.Fingerprint(SeriesKey(testRef, testVariable))
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeReader) {
	t.Helper()
	reader := &fakeReader{vars: map[string]*labeled.Array{testVariable: referenceSeries(t)}}
	if cfg.Reader == nil {
		cfg.Reader = reader
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClockAt(testNow)
	}
	cfg.Logger = slog.Default()
	return NewService(cfg), reader
}

// --- Tests ---

func TestResolve_StaticThreshold(t *testing.T) {
	rec := newCountingRecorder()
	svc, reader := newTestService(t, Config{Recorder: rec})

	th, err := threshold.Parse(context.Background(), "> 25 degC")
	require.NoError(t, err)

	res, err := svc.Resolve(context.Background(), Request{Threshold: th})
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, res.Source)
	assert.Same(t, th, res.Threshold)
	assert.Zero(t, reader.calls)
	assert.Equal(t, 1, rec.results["success"])
}

func TestResolve_ComputesThenHitsMemory(t *testing.T) {
	rec := newCountingRecorder()
	svc, reader := newTestService(t, Config{Recorder: rec})
	th := periodThreshold(t)
	req := Request{Threshold: th, DatasetRef: testRef, Variable: testVariable}

	first, err := svc.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, first.Source)
	assert.False(t, first.Threshold.IsDeferred())
	assert.True(t, th.IsDeferred(), "the request threshold must stay deferred")

	resolved, ok := first.Threshold.Value().(threshold.PercentileResolved)
	require.True(t, ok)
	assert.InDelta(t, 9.0, resolved.Field.Array.Data[0], 1e-9)

	second, err := svc.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, second.Source)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 1, reader.calls, "the reference variable is read once")
	assert.Equal(t, 1, rec.lookups["memory:hit"])
	assert.Equal(t, 1, rec.lookups["memory:miss"])
}

func TestResolve_DatabaseHit(t *testing.T) {
	th := periodThreshold(t)
	fp := fingerprintOf(t, th)

	// A field computed elsewhere with a recognizable value.
	source, err := th.Resolve(referenceSeries(t))
	require.NoError(t, err)
	field := source.Value().(threshold.PercentileResolved).Field

	fields := new(mockFieldStore)
	fields.On("Get", mock.Anything, fp).Return(&db.FieldRecord{Fingerprint: fp, Field: field}, nil).Once()

	svc, reader := newTestService(t, Config{Fields: fields})
	req := Request{Threshold: th, DatasetRef: testRef, Variable: testVariable}

	res, err := svc.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, res.Source)
	assert.Zero(t, reader.calls)

	// The database copy now lives in memory.
	res, err = svc.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.Source)
	fields.AssertExpectations(t)
}

func TestResolve_DatabaseMissStoresComputedField(t *testing.T) {
	th := periodThreshold(t)
	fp := fingerprintOf(t, th)

	fields := new(mockFieldStore)
	fields.On("Get", mock.Anything, fp).
		Return(nil, types.NewAppError(types.ErrCodeNotFoundField, "percentile field not found", nil))
	fields.On("Upsert", mock.Anything, mock.MatchedBy(func(rec *db.FieldRecord) bool {
		return rec.Fingerprint == fp &&
			rec.DatasetRef == testRef &&
			rec.Variable == testVariable &&
			rec.Request.Kind == types.PercentilePeriod &&
			rec.Field != nil
	})).Return(nil)

	svc, _ := newTestService(t, Config{Fields: fields})
	res, err := svc.Resolve(context.Background(), Request{Threshold: th, DatasetRef: testRef, Variable: testVariable})
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, res.Source)
	fields.AssertExpectations(t)
}

func TestResolve_UpsertFailureStillResolves(t *testing.T) {
	th := periodThreshold(t)

	fields := new(mockFieldStore)
	fields.On("Get", mock.Anything, mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeNotFoundField, "percentile field not found", nil))
	fields.On("Upsert", mock.Anything, mock.Anything).
		Return(types.NewAppError(types.ErrCodeInternalDB, "failed to store percentile field", nil))

	svc, _ := newTestService(t, Config{Fields: fields})
	res, err := svc.Resolve(context.Background(), Request{Threshold: th, DatasetRef: testRef, Variable: testVariable})
	require.NoError(t, err)
	assert.False(t, res.Threshold.IsDeferred())
}

func TestResolve_DatabaseErrorFails(t *testing.T) {
	th := periodThreshold(t)

	fields := new(mockFieldStore)
	fields.On("Get", mock.Anything, mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load percentile field", nil))

	rec := newCountingRecorder()
	svc, reader := newTestService(t, Config{Fields: fields, Recorder: rec})
	_, err := svc.Resolve(context.Background(), Request{Threshold: th, DatasetRef: testRef, Variable: testVariable})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.Zero(t, reader.calls)
	assert.Equal(t, 1, rec.results["error"])
}

func TestResolve_MissingReference(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	_, err := svc.Resolve(context.Background(), Request{Threshold: periodThreshold(t)})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))

	_, err = svc.Resolve(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}

func TestResolve_AsyncDispatchesJob(t *testing.T) {
	th := periodThreshold(t)
	fp := fingerprintOf(t, th)

	jobs := new(mockJobStore)
	jobs.On("PendingForFingerprint", mock.Anything, fp).Return(nil, nil)
	jobs.On("Create", mock.Anything, mock.MatchedBy(func(job *db.Job) bool {
		return job.ID == "job-1" && job.Fingerprint == fp && job.Status == db.JobPending
	})).Return(nil)

	dispatcher := new(mockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(job queue.Job) bool {
		return job.Fingerprint == fp && job.Variable == testVariable && job.TraceID == "req-42"
	})).Return(types.PercentileJobMessage{JobID: "job-1", RequestedAt: testNow}, nil)

	rec := newCountingRecorder()
	svc, reader := newTestService(t, Config{Jobs: jobs, Dispatcher: dispatcher, Recorder: rec})

	ctx := types.WithRequestID(context.Background(), "req-42")
	res, err := svc.Resolve(ctx, Request{Threshold: th, DatasetRef: testRef, Variable: testVariable, Async: true})
	require.NoError(t, err)
	assert.Equal(t, SourcePending, res.Source)
	assert.Equal(t, "job-1", res.JobID)
	assert.True(t, res.Threshold.IsDeferred())
	assert.Zero(t, reader.calls)
	assert.Equal(t, 1, rec.dispatch["success"])
	assert.Equal(t, 1, rec.results["deferred"])

	jobs.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestResolve_AsyncReusesPendingJob(t *testing.T) {
	th := periodThreshold(t)
	fp := fingerprintOf(t, th)

	jobs := new(mockJobStore)
	jobs.On("PendingForFingerprint", mock.Anything, fp).Return(&db.Job{ID: "job-existing"}, nil)
	dispatcher := new(mockDispatcher)

	svc, _ := newTestService(t, Config{Jobs: jobs, Dispatcher: dispatcher})
	res, err := svc.Resolve(context.Background(), Request{Threshold: th, DatasetRef: testRef, Variable: testVariable, Async: true})
	require.NoError(t, err)
	assert.Equal(t, "job-existing", res.JobID)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestResolve_AsyncDispatchFailure(t *testing.T) {
	dispatcher := new(mockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(types.PercentileJobMessage{}, types.NewAppError(types.ErrCodeUpstreamQueue, "queue down", nil))

	rec := newCountingRecorder()
	svc, _ := newTestService(t, Config{Dispatcher: dispatcher, Recorder: rec})
	_, err := svc.Resolve(context.Background(), Request{Threshold: periodThreshold(t), DatasetRef: testRef, Variable: testVariable, Async: true})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamQueue))
	assert.Equal(t, 1, rec.dispatch["error"])
}

func TestResolve_AsyncWithoutDispatcherComputesInline(t *testing.T) {
	svc, reader := newTestService(t, Config{})
	res, err := svc.Resolve(context.Background(), Request{Threshold: periodThreshold(t), DatasetRef: testRef, Variable: testVariable, Async: true})
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, res.Source)
	assert.Equal(t, 1, reader.calls)
}

func TestResolveBatch_IsolatesFailures(t *testing.T) {
	svc, _ := newTestService(t, Config{MaxParallel: 2})

	static, err := threshold.Parse(context.Background(), "< 0 degC")
	require.NoError(t, err)

	reqs := []Request{
		{ID: "warm", Threshold: periodThreshold(t), DatasetRef: testRef, Variable: testVariable},
		{ID: "frost", Threshold: static},
		{ID: "missing", Threshold: periodThreshold(t), DatasetRef: testRef, Variable: "pr"},
		{Threshold: static},
	}
	out, err := svc.ResolveBatch(context.Background(), reqs)
	require.NoError(t, err)

	assert.Len(t, out.Results, 3)
	assert.Equal(t, SourceComputed, out.Results["warm"].Source)
	assert.Equal(t, SourceStatic, out.Results["frost"].Source)
	assert.Equal(t, SourceStatic, out.Results["3"].Source)
	require.Contains(t, out.Errors, "missing")
	assert.Equal(t, types.ErrCodeNotFoundVariable, out.Errors["missing"].Code)
	assert.Empty(t, reqs[3].ID, "the caller's requests are not modified")
}

func TestResolveBatch_DuplicateIDs(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	static, err := threshold.Parse(context.Background(), "< 0 degC")
	require.NoError(t, err)

	_, err = svc.ResolveBatch(context.Background(), []Request{
		{ID: "a", Threshold: static},
		{ID: "a", Threshold: static},
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidQuery))
}

func TestCompute_MarksJobCompleted(t *testing.T) {
	th := periodThreshold(t)
	fp := fingerprintOf(t, th)
	spec := th.Value().(threshold.PercentileDeferred).Spec

	fields := new(mockFieldStore)
	fields.On("Get", mock.Anything, fp).
		Return(nil, types.NewAppError(types.ErrCodeNotFoundField, "percentile field not found", nil))
	fields.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	jobs := new(mockJobStore)
	jobs.On("MarkCompleted", mock.Anything, "job-7", testNow).Return(nil)

	svc, reader := newTestService(t, Config{Fields: fields, Jobs: jobs})
	err := svc.Compute(context.Background(), types.PercentileJobMessage{
		JobID:       "job-7",
		Fingerprint: fp,
		DatasetRef:  testRef,
		Variable:    testVariable,
		Request:     spec.Request(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
	fields.AssertExpectations(t)
	jobs.AssertExpectations(t)
}

func TestCompute_FingerprintMismatchMarksFailed(t *testing.T) {
	spec := periodThreshold(t).Value().(threshold.PercentileDeferred).Spec

	jobs := new(mockJobStore)
	jobs.On("MarkFailed", mock.Anything, "job-8", mock.Anything, testNow).Return(nil)

	svc, reader := newTestService(t, Config{Jobs: jobs})
	err := svc.Compute(context.Background(), types.PercentileJobMessage{
		JobID:       "job-8",
		Fingerprint: "not-the-fingerprint",
		DatasetRef:  testRef,
		Variable:    testVariable,
		Request:     spec.Request(),
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalUnexpected))
	assert.Zero(t, reader.calls)
	jobs.AssertExpectations(t)
}

func TestCompute_SkipsStoredField(t *testing.T) {
	th := periodThreshold(t)
	fp := fingerprintOf(t, th)
	resolved, err := th.Resolve(referenceSeries(t))
	require.NoError(t, err)

	fields := new(mockFieldStore)
	fields.On("Get", mock.Anything, fp).
		Return(&db.FieldRecord{Fingerprint: fp, Field: resolved.Value().(threshold.PercentileResolved).Field}, nil)

	svc, reader := newTestService(t, Config{Fields: fields})
	err = svc.Compute(context.Background(), types.PercentileJobMessage{
		JobID:       "job-9",
		Fingerprint: fp,
		DatasetRef:  testRef,
		Variable:    testVariable,
		Request:     th.Value().(threshold.PercentileDeferred).Spec.Request(),
	})
	require.NoError(t, err)
	assert.Zero(t, reader.calls)
	fields.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

