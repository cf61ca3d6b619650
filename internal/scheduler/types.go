// Package scheduler implements the periodic maintenance of persisted
// percentile state.
//
// An EventBridge rule invokes the resolver function with a MaintenancePayload;
// the TaskType selects which MaintenanceService method runs.
package scheduler

import "time"

// TaskType identifies a maintenance task.
type TaskType string

const (
	// TaskPruneFields deletes stored percentile fields that have not been read
	// within the retention period.
	TaskPruneFields TaskType = "prune_fields"
	// TaskExpireJobs marks percentile jobs that stayed pending past the job
	// timeout as failed, so the next request for the same fingerprint
	// dispatches a fresh job.
	TaskExpireJobs TaskType = "expire_stale_jobs"
)

// Tasks lists every known task in execution order.
func Tasks() []TaskType {
	return []TaskType{TaskPruneFields, TaskExpireJobs}
}

// MaintenancePayload is the JSON body sent by the schedule:
//
//	{
//	  "task": "prune_fields",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Result summarizes one maintenance run.
type Result struct {
	Task          TaskType  `json:"task"`
	Items         int64     `json:"items"`
	ReferenceTime time.Time `json:"reference_time"`
}
