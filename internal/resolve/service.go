// Package resolve turns deferred percentile thresholds into resolved ones.
// Fields are looked up in memory, then in the database, and are only computed
// from the reference variable when neither layer has them. Computation can be
// handed to the resolver worker through the percentile job queue instead of
// running inline.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"climdex/internal/cache"
	"climdex/internal/db"
	"climdex/internal/labeled"
	"climdex/internal/observability"
	"climdex/internal/percentile"
	"climdex/internal/queue"
	"climdex/internal/threshold"
	"climdex/internal/types"
)

// DefaultMaxParallel bounds how many thresholds ResolveBatch works on at once.
const DefaultMaxParallel = 4

// Source names where a resolved field came from.
type Source string

const (
	SourceStatic   Source = "static"
	SourceMemory   Source = "memory"
	SourceDatabase Source = "database"
	SourceComputed Source = "computed"
	SourcePending  Source = "pending"
)

// VariableReader reads the reference variable of a dataset.
type VariableReader interface {
	ReadVariable(ctx context.Context, ref, variable string) (*labeled.Array, error)
}

// FieldStore persists resolved fields. *db.FieldRepository implements it.
type FieldStore interface {
	Get(ctx context.Context, fingerprint string) (*db.FieldRecord, error)
	Upsert(ctx context.Context, rec *db.FieldRecord) error
}

// JobStore tracks percentile jobs. *db.JobRepository implements it.
type JobStore interface {
	Create(ctx context.Context, job *db.Job) error
	PendingForFingerprint(ctx context.Context, fingerprint string) (*db.Job, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, cause error, at time.Time) error
}

// Dispatcher sends percentile jobs to the worker. *queue.JobDispatcher
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job queue.Job) (types.PercentileJobMessage, error)
}

// Request asks for one threshold to be resolved against a variable of a
// dataset. Async hands computation to the worker when a dispatcher is
// configured.
type Request struct {
	ID         string
	Threshold  *threshold.Threshold
	DatasetRef string
	Variable   string
	Async      bool
}

// Result is the outcome of one resolution. Threshold is still deferred when
// Source is SourcePending.
type Result struct {
	Threshold   *threshold.Threshold
	Fingerprint string
	Source      Source
	JobID       string
}

// BatchResult separates successes from failures, keyed by Request.ID.
type BatchResult struct {
	Results map[string]Result
	Errors  map[string]*types.AppError
}

// Config wires the service collaborators. Only Reader is required; nil
// stores disable persistence and nil Dispatcher disables async resolution.
type Config struct {
	Reader      VariableReader
	Fields      FieldStore
	Jobs        JobStore
	Dispatcher  Dispatcher
	Cache       *cache.LRU[*percentile.Field]
	Recorder    observability.Recorder
	Clock       clockwork.Clock
	Logger      *slog.Logger
	MaxParallel int
}

// Service resolves deferred thresholds.
type Service struct {
	reader      VariableReader
	fields      FieldStore
	jobs        JobStore
	dispatcher  Dispatcher
	cache       *cache.LRU[*percentile.Field]
	recorder    observability.Recorder
	clock       clockwork.Clock
	logger      *slog.Logger
	maxParallel int
}

// NewService returns a Service. Zero config fields take defaults.
func NewService(cfg Config) *Service {
	s := &Service{
		reader:      cfg.Reader,
		fields:      cfg.Fields,
		jobs:        cfg.Jobs,
		dispatcher:  cfg.Dispatcher,
		cache:       cfg.Cache,
		recorder:    cfg.Recorder,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		maxParallel: cfg.MaxParallel,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = observability.NopRecorder{}
	}
	if s.cache == nil {
		s.cache = cache.New[*percentile.Field](256, time.Hour, s.clock)
	}
	if s.maxParallel <= 0 {
		s.maxParallel = DefaultMaxParallel
	}
	return s
}

// SeriesKey identifies the reference variable a field is computed from.
func SeriesKey(datasetRef, variable string) string {
	return datasetRef + "#" + variable
}

// Resolve resolves one threshold. Thresholds that are not deferred are
// returned as they are.
func (s *Service) Resolve(ctx context.Context, req Request) (Result, error) {
	start := s.clock.Now()
	res, err := s.resolve(ctx, req)

	kind := "unknown"
	if req.Threshold != nil {
		kind = string(req.Threshold.Value().Kind())
	}
	switch {
	case err != nil:
		s.recorder.ThresholdResolved(ctx, kind, observability.ResultError)
	case res.Source == SourcePending:
		s.recorder.ThresholdResolved(ctx, kind, observability.ResultDeferred)
	default:
		s.recorder.ThresholdResolved(ctx, kind, observability.ResultSuccess)
	}
	s.recorder.ResolutionLatency(ctx, kind, s.clock.Since(start))
	return res, err
}

func (s *Service) resolve(ctx context.Context, req Request) (Result, error) {
	if req.Threshold == nil {
		return Result{}, types.NewAppError(types.ErrCodeValidationMissingField, "threshold is required", nil)
	}
	deferred, ok := req.Threshold.Value().(threshold.PercentileDeferred)
	if !ok {
		return Result{Threshold: req.Threshold, Source: SourceStatic}, nil
	}
	if req.DatasetRef == "" || req.Variable == "" {
		return Result{}, types.NewAppError(types.ErrCodeValidationMissingField,
			"a dataset reference and a variable are required to resolve a percentile threshold", nil)
	}

	fp := deferred.Spec.Fingerprint(SeriesKey(req.DatasetRef, req.Variable))
	logger := s.logger.With("fingerprint", fp, "variable", req.Variable)

	field, source, err := s.lookup(ctx, fp)
	if err != nil {
		return Result{}, err
	}
	if field == nil && req.Async && s.dispatcher != nil {
		return s.enqueue(ctx, req, deferred.Spec, fp)
	}
	if field == nil {
		field, err = s.compute(ctx, deferred.Spec, fp, req.DatasetRef, req.Variable)
		if err != nil {
			return Result{}, err
		}
		source = SourceComputed
	}

	resolved, err := req.Threshold.WithField(field)
	if err != nil {
		return Result{}, err
	}
	logger.DebugContext(ctx, "percentile threshold resolved", "source", string(source))
	return Result{Threshold: resolved, Fingerprint: fp, Source: source}, nil
}

// lookup checks the memory cache, then the field store. A nil field with a
// nil error is a miss in every layer.
func (s *Service) lookup(ctx context.Context, fp string) (*percentile.Field, Source, error) {
	if field, ok := s.cache.Get(fp); ok {
		s.recorder.CacheLookup(ctx, observability.LayerMemory, true)
		return field, SourceMemory, nil
	}
	s.recorder.CacheLookup(ctx, observability.LayerMemory, false)

	if s.fields == nil {
		return nil, "", nil
	}
	rec, err := s.fields.Get(ctx, fp)
	if types.IsCode(err, types.ErrCodeNotFoundField) {
		s.recorder.CacheLookup(ctx, observability.LayerDatabase, false)
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	s.recorder.CacheLookup(ctx, observability.LayerDatabase, true)
	s.cache.Put(fp, rec.Field)
	return rec.Field, SourceDatabase, nil
}

// compute reads the reference variable, builds the field and stores it in
// every layer. A failed database write is logged; the field is still used.
func (s *Service) compute(ctx context.Context, spec percentile.Spec, fp, ref, variable string) (*percentile.Field, error) {
	if s.reader == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"no dataset reader configured to compute percentile fields", nil)
	}
	data, err := s.reader.ReadVariable(ctx, ref, variable)
	if err != nil {
		return nil, err
	}
	field, err := spec.Build(data)
	if err != nil {
		return nil, err
	}
	s.recorder.CacheLookup(ctx, observability.LayerComputed, true)
	s.cache.Put(fp, field)

	if s.fields != nil {
		rec := &db.FieldRecord{
			Fingerprint: fp,
			DatasetRef:  ref,
			Variable:    variable,
			Request:     spec.Request(),
			Field:       field,
		}
		if err := s.fields.Upsert(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "failed to persist percentile field",
				"fingerprint", fp, "error", err)
		}
	}
	return field, nil
}

// enqueue dispatches a job unless one is already pending for fp.
func (s *Service) enqueue(ctx context.Context, req Request, spec percentile.Spec, fp string) (Result, error) {
	pending := Result{Threshold: req.Threshold, Fingerprint: fp, Source: SourcePending}

	if s.jobs != nil {
		existing, err := s.jobs.PendingForFingerprint(ctx, fp)
		if err != nil {
			return Result{}, err
		}
		if existing != nil {
			pending.JobID = existing.ID
			return pending, nil
		}
	}

	msg, err := s.dispatcher.Dispatch(ctx, queue.Job{
		Fingerprint: fp,
		DatasetRef:  req.DatasetRef,
		Variable:    req.Variable,
		Request:     spec.Request(),
		TraceID:     types.GetRequestID(ctx),
	})
	if err != nil {
		s.recorder.JobDispatched(ctx, observability.ResultError)
		return Result{}, err
	}
	s.recorder.JobDispatched(ctx, observability.ResultSuccess)
	pending.JobID = msg.JobID

	if s.jobs != nil {
		job := &db.Job{
			ID:          msg.JobID,
			Fingerprint: fp,
			DatasetRef:  req.DatasetRef,
			Variable:    req.Variable,
			Status:      db.JobPending,
			RequestedAt: msg.RequestedAt,
		}
		if err := s.jobs.Create(ctx, job); err != nil {
			s.logger.WarnContext(ctx, "failed to record percentile job",
				"job_id", msg.JobID, "error", err)
		}
	}
	return pending, nil
}

// ResolveBatch resolves requests concurrently. A failing request does not
// fail the batch; its error is reported under its ID. Requests without an ID
// are keyed by their position.
func (s *Service) ResolveBatch(ctx context.Context, reqs []Request) (*BatchResult, error) {
	out := &BatchResult{
		Results: make(map[string]Result, len(reqs)),
		Errors:  make(map[string]*types.AppError),
	}
	reqs = slices.Clone(reqs)
	seen := make(map[string]bool, len(reqs))
	for i := range reqs {
		if reqs[i].ID == "" {
			reqs[i].ID = strconv.Itoa(i)
		}
		if seen[reqs[i].ID] {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuery,
				fmt.Sprintf("duplicate request id %q", reqs[i].ID), nil,
				map[string]any{"id": reqs[i].ID})
		}
		seen[reqs[i].ID] = true
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	for _, req := range reqs {
		g.Go(func() error {
			res, err := s.Resolve(gCtx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Errors[req.ID] = asAppError(err)
				return nil
			}
			out.Results[req.ID] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "batch resolution failed", err)
	}
	return out, nil
}

// Compute runs a percentile job received from the queue: it builds the field
// unless a stored copy exists and marks the job finished.
func (s *Service) Compute(ctx context.Context, msg types.PercentileJobMessage) error {
	logger := s.logger.With("job_id", msg.JobID, "trace_id", msg.TraceID, "fingerprint", msg.Fingerprint)

	err := s.computeJob(ctx, msg)
	now := s.clock.Now().UTC()
	if s.jobs != nil {
		var markErr error
		if err != nil {
			markErr = s.jobs.MarkFailed(ctx, msg.JobID, err, now)
		} else {
			markErr = s.jobs.MarkCompleted(ctx, msg.JobID, now)
		}
		if markErr != nil {
			logger.WarnContext(ctx, "failed to update percentile job", "error", markErr)
		}
	}
	if err != nil {
		logger.ErrorContext(ctx, "percentile job failed", "error", err)
		return err
	}
	logger.InfoContext(ctx, "percentile job completed")
	return nil
}

func (s *Service) computeJob(ctx context.Context, msg types.PercentileJobMessage) error {
	spec, err := percentile.SpecFromRequest(msg.Request)
	if err != nil {
		return err
	}
	fp := spec.Fingerprint(SeriesKey(msg.DatasetRef, msg.Variable))
	if fp != msg.Fingerprint {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalUnexpected,
			"job fingerprint does not match its request", nil,
			map[string]any{"expected": fp, "got": msg.Fingerprint})
	}
	field, _, err := s.lookup(ctx, fp)
	if err != nil || field != nil {
		return err
	}
	_, err = s.compute(ctx, spec, fp, msg.DatasetRef, msg.Variable)
	return err
}

func asAppError(err error) *types.AppError {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, err.Error(), err)
}
