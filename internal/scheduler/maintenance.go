package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"climdex/internal/types"
)

// FieldPruner deletes stored percentile fields.
//
// SQL: DELETE FROM percentile_fields WHERE last_used_at < $1
type FieldPruner interface {
	DeleteUnusedSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobExpirer fails percentile jobs that never completed.
//
// SQL: UPDATE percentile_jobs SET status = 'failed', ... WHERE status = 'pending'
// AND requested_at < $cutoff
type JobExpirer interface {
	FailPendingBefore(ctx context.Context, cutoff time.Time, reason string, at time.Time) (int64, error)
}

// MaintenanceConfig holds the dependencies of a MaintenanceService.
type MaintenanceConfig struct {
	Fields FieldPruner
	Jobs   JobExpirer

	// RetainUnused is how long a field may go unread before it is pruned.
	RetainUnused time.Duration
	// JobTimeout is how long a job may stay pending.
	JobTimeout time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// MaintenanceService runs the scheduled maintenance tasks.
type MaintenanceService struct {
	fields     FieldPruner
	jobs       JobExpirer
	retain     time.Duration
	jobTimeout time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewMaintenanceService creates a MaintenanceService.
func NewMaintenanceService(cfg MaintenanceConfig) *MaintenanceService {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MaintenanceService{
		fields:     cfg.Fields,
		jobs:       cfg.Jobs,
		retain:     cfg.RetainUnused,
		jobTimeout: cfg.JobTimeout,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// PruneFields removes fields whose last read is older than the retention
// period. Returns the number of deleted fields.
func (s *MaintenanceService) PruneFields(ctx context.Context, now time.Time) (int64, error) {
	if s.retain <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField, "field retention must be positive", nil)
	}
	cutoff := now.Add(-s.retain)

	n, err := s.fields.DeleteUnusedSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning unused fields: %w", err)
	}

	if n > 0 {
		s.logger.InfoContext(ctx, "pruned unused percentile fields",
			"count", n,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return n, nil
}

// ExpireStaleJobs fails jobs that have been pending longer than the job
// timeout. Returns the number of expired jobs.
func (s *MaintenanceService) ExpireStaleJobs(ctx context.Context, now time.Time) (int64, error) {
	if s.jobTimeout <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField, "job timeout must be positive", nil)
	}
	cutoff := now.Add(-s.jobTimeout)
	reason := fmt.Sprintf("no result after %s", s.jobTimeout)

	n, err := s.jobs.FailPendingBefore(ctx, cutoff, reason, now)
	if err != nil {
		return 0, fmt.Errorf("expiring stale jobs: %w", err)
	}

	if n > 0 {
		s.logger.WarnContext(ctx, "expired stale percentile jobs",
			"count", n,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return n, nil
}

// Run executes the task named by the payload. The reference time defaults to
// the service clock.
func (s *MaintenanceService) Run(ctx context.Context, payload MaintenancePayload) (Result, error) {
	now := s.clock.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	result := Result{Task: payload.Task, ReferenceTime: now}

	s.logger.InfoContext(ctx, "maintenance task invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	var err error
	switch payload.Task {
	case TaskPruneFields:
		result.Items, err = s.PruneFields(ctx, now)
	case TaskExpireJobs:
		result.Items, err = s.ExpireStaleJobs(ctx, now)
	case "":
		return result, types.NewAppError(types.ErrCodeValidationMissingField, "empty task in maintenance payload", nil)
	default:
		return result, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON,
			fmt.Sprintf("unknown maintenance task %q", payload.Task), nil,
			map[string]any{"known": Tasks()})
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance task failed",
			"task", string(payload.Task),
			"error", err,
		)
		return result, fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	s.logger.InfoContext(ctx, "maintenance task complete",
		"task", string(payload.Task),
		"items", result.Items,
	)
	return result, nil
}
