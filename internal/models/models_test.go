package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

func TestJobTypeValid(t *testing.T) {
	for _, jt := range models.JobTypes {
		assert.True(t, jt.Valid(), jt)
	}
	assert.False(t, models.JobType("model-integration").Valid())
	assert.False(t, models.JobType("").Valid())
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := map[models.JobStatus]bool{
		models.JobStatusPending:          false,
		models.JobStatusRunning:          false,
		models.JobStatusPaused:           false,
		models.JobStatusAwaitingApproval: false,
		models.JobStatusCompleted:        true,
		models.JobStatusFailed:           true,
		models.JobStatusRejected:         true,
	}
	for s, want := range terminal {
		assert.Equal(t, want, s.Terminal(), s)
	}
}

func TestJobDuration(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Minute)

	assert.Equal(t, 3*time.Minute, models.Job{StartedAt: start, CompletedAt: &end}.Duration())
	assert.Zero(t, models.Job{StartedAt: start}.Duration())
	assert.Zero(t, models.Job{CompletedAt: &end}.Duration())
}

func TestJobWireFormat(t *testing.T) {
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(`{"id":"J1","type":"integration","status":"running","startedAt":"2025-01-01T09:00:00Z"}`), &job))
	assert.Equal(t, models.JobTypeIntegration, job.Type)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Nil(t, job.CompletedAt)
}

func TestAggregateTerminal(t *testing.T) {
	assert.True(t, models.AggregateCompleted.Terminal())
	assert.True(t, models.AggregateFailed.Terminal())
	assert.False(t, models.AggregateRunning.Terminal())
	assert.False(t, models.AggregateIdle.Terminal())
}

func TestChatMessageDoneAndLocalFlag(t *testing.T) {
	assert.True(t, models.ChatMessage{Content: "DONE"}.IsDone())
	assert.False(t, models.ChatMessage{Content: "done"}.IsDone())

	data, err := json.Marshal(models.ChatMessage{ID: "U1", Role: models.RoleUser, Content: "hi", Failed: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "failed", "the local failure mark is never sent")
}

func TestContextSnapshot(t *testing.T) {
	snap := models.ContextSnapshot{DatasetIDs: []string{"ds-1"}, ModelIDs: []string{"m-1"}}
	assert.Equal(t, []string{"ds-1"}, snap.IDs(models.EntityDataset))
	assert.Equal(t, []string{"m-1"}, snap.IDs(models.EntityModel))
	assert.Nil(t, snap.IDs(models.EntityKind("widget")))
	assert.False(t, snap.Empty())
	assert.True(t, models.ContextSnapshot{}.Empty())

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"datasetIds":["ds-1"]`)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "jobs/swe", models.JobsKey(models.JobTypeSWE).String())
	assert.Equal(t, "run/R1", models.RunKey("R1").String())
	assert.Equal(t, "conversation/C1", models.ConversationKey("C1").String())

	assert.True(t, models.RunKey("R1").Valid())
	assert.False(t, models.RunKey("").Valid())
	assert.False(t, models.Key{Kind: "pipeline", Scope: "x"}.Valid())
}
