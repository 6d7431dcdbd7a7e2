// Package status reduces job statuses to an aggregate and validates transitions.
// Everything here is pure; callers own the records.
package status

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// ErrIllegalTransition indicates a status change the lifecycle does not allow.
var ErrIllegalTransition = errors.New("illegal status transition")

// priority is the tie-break order for Aggregate: first match wins.
var priority = []struct {
	status    models.JobStatus
	aggregate models.AggregateStatus
}{
	{models.JobStatusRunning, models.AggregateRunning},
	{models.JobStatusPaused, models.AggregatePaused},
	{models.JobStatusAwaitingApproval, models.AggregateAwaitingApproval},
	{models.JobStatusFailed, models.AggregateFailed},
	{models.JobStatusCompleted, models.AggregateCompleted},
}

// Aggregate reduces a set of job statuses to a single aggregate status.
// An empty list, or one holding only pending/rejected jobs, yields idle.
func Aggregate(statuses []models.JobStatus) models.AggregateStatus {
	present := make(map[models.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		present[s] = true
	}
	for _, p := range priority {
		if present[p.status] {
			return p.aggregate
		}
	}
	return models.AggregateIdle
}

// AggregateJobs is Aggregate over the statuses of jobs.
func AggregateJobs(jobs []models.Job) models.AggregateStatus {
	statuses := make([]models.JobStatus, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status
	}
	return Aggregate(statuses)
}

var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusRejected,
	},
	models.JobStatusRunning: {
		models.JobStatusPaused,
		models.JobStatusAwaitingApproval,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	},
	models.JobStatusPaused: {
		models.JobStatusRunning,
		models.JobStatusFailed,
	},
	models.JobStatusAwaitingApproval: {
		models.JobStatusRunning,
		models.JobStatusRejected,
		models.JobStatusFailed,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Re-delivery of the same status is always legal.
func CanTransition(from, to models.JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns ErrIllegalTransition when it is not allowed.
func Transition(from, to models.JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether s is completed, failed or rejected.
func IsTerminal(s models.JobStatus) bool {
	return s.Terminal()
}

// IsActive reports whether s represents work that is underway or blocked on a human.
func IsActive(s models.JobStatus) bool {
	switch s {
	case models.JobStatusRunning, models.JobStatusPaused, models.JobStatusAwaitingApproval:
		return true
	}
	return false
}
