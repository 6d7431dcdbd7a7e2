// Package models defines the records tracked by the kvasir sync engine.
package models

import (
	"time"
)

// JobType identifies the category of backend work a job belongs to.
type JobType string

const (
	JobTypeIntegration      JobType = "integration"
	JobTypeAnalysis         JobType = "analysis"
	JobTypeAutomation       JobType = "automation"
	JobTypeModelIntegration JobType = "model_integration"
	JobTypeSWE              JobType = "swe"
	JobTypeExtraction       JobType = "extraction"
	JobTypeKvasirAgent      JobType = "kvasir_agent"
)

// JobTypes lists every known job type in display order.
var JobTypes = []JobType{
	JobTypeIntegration,
	JobTypeAnalysis,
	JobTypeAutomation,
	JobTypeModelIntegration,
	JobTypeSWE,
	JobTypeExtraction,
	JobTypeKvasirAgent,
}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// JobStatus represents the lifecycle state of a job or run.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusRunning          JobStatus = "running"
	JobStatusPaused           JobStatus = "paused"
	JobStatusAwaitingApproval JobStatus = "awaiting_approval"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusRejected         JobStatus = "rejected"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusRejected:
		return true
	}
	return false
}

// Job represents one unit of asynchronous backend work (a job or a run).
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Duration returns how long the job ran, or zero while it is still active.
func (j Job) Duration() time.Duration {
	if j.CompletedAt == nil || j.StartedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// AggregateStatus is the single derived status of a whole category of jobs.
type AggregateStatus string

const (
	AggregateIdle             AggregateStatus = ""
	AggregateRunning          AggregateStatus = "running"
	AggregatePaused           AggregateStatus = "paused"
	AggregateAwaitingApproval AggregateStatus = "awaiting_approval"
	AggregateFailed           AggregateStatus = "failed"
	AggregateCompleted        AggregateStatus = "completed"
)

// Terminal reports whether the aggregate is a "just finished" state subject to decay.
func (a AggregateStatus) Terminal() bool {
	return a == AggregateCompleted || a == AggregateFailed
}
