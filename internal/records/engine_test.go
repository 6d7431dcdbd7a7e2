package records_test

import (
	"testing"
	"time"

	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine() *records.Engine {
	return records.NewEngine(func() time.Time { return fixedNow }, nil)
}

func mustApply(t *testing.T, e *records.Engine, ev events.Event) records.Result {
	t.Helper()
	res, err := e.Apply(ev)
	require.NoError(t, err)
	return res
}

func TestRunMessageIdempotent(t *testing.T) {
	e := newEngine()
	msg := events.RunMessage{Message: models.RunMessage{ID: "m1", RunID: "R1", Type: "result", Content: "ok"}}

	first := mustApply(t, e, msg)
	assert.True(t, first.Changed)
	assert.False(t, first.Duplicate)

	second := mustApply(t, e, msg)
	assert.False(t, second.Changed)
	assert.True(t, second.Duplicate)

	assert.Len(t, e.Store().RunMessages(models.RunKey("R1")), 1)
}

func TestRunMessagesKeepArrivalOrder(t *testing.T) {
	e := newEngine()
	late := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	early := late.Add(-time.Minute)

	mustApply(t, e, events.RunMessage{Message: models.RunMessage{ID: "a", RunID: "R", CreatedAt: late}})
	mustApply(t, e, events.RunMessage{Message: models.RunMessage{ID: "b", RunID: "R", CreatedAt: early}})

	msgs := e.Store().RunMessages(models.RunKey("R"))
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID, "ordering is as received, not by timestamp")
	assert.Equal(t, "b", msgs[1].ID)
}

func TestStatusBatchOnlyReplacesKnownJobs(t *testing.T) {
	e := newEngine()
	key := models.JobsKey(models.JobTypeIntegration)

	mustApply(t, e, events.Snapshot{Key: key, Jobs: []models.Job{
		{ID: "J1", Type: models.JobTypeIntegration, Status: models.JobStatusPending, Name: "first"},
		{ID: "J2", Type: models.JobTypeIntegration, Status: models.JobStatusRunning},
	}})

	res := mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{
		{ID: "J1", Status: models.JobStatusRunning},
		{ID: "ghost", Status: models.JobStatusCompleted},
	}})

	assert.True(t, res.Changed)
	assert.Equal(t, []string{"ghost"}, res.Ignored)
	assert.Equal(t, []string{"J1"}, res.Pending)

	j1, ok := e.Store().Job(key, "J1")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusRunning, j1.Status)
	assert.Equal(t, "first", j1.Name, "fields missing from the batch keep their stored value")

	j2, _ := e.Store().Job(key, "J2")
	assert.Equal(t, models.JobStatusRunning, j2.Status, "jobs absent from the batch are untouched")

	_, ok = e.Store().Job(key, "ghost")
	assert.False(t, ok, "unknown ids are not inserted by a status batch")
}

func TestStatusBatchPartition(t *testing.T) {
	e := newEngine()
	key := models.JobsKey(models.JobTypeAnalysis)
	mustApply(t, e, events.Snapshot{Key: key, Jobs: []models.Job{
		{ID: "a", Status: models.JobStatusRunning},
		{ID: "b", Status: models.JobStatusRunning},
		{ID: "c", Status: models.JobStatusRunning},
	}})

	res := mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{
		{ID: "a", Status: models.JobStatusRunning},
		{ID: "b", Status: models.JobStatusCompleted},
		{ID: "c", Status: models.JobStatusFailed},
	}})
	assert.Equal(t, []string{"a"}, res.Pending)
	assert.Equal(t, []string{"b"}, res.Completed)
	assert.Equal(t, []string{"c"}, res.Failed)
	assert.Equal(t, models.AggregateRunning, res.Aggregate)
}

func TestCompletedAtTracksTerminalStatus(t *testing.T) {
	e := newEngine()
	key := models.JobsKey(models.JobTypeIntegration)
	mustApply(t, e, events.Snapshot{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusPending}}})

	job, _ := e.Store().Job(key, "J1")
	assert.Nil(t, job.CompletedAt)

	mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusCompleted}}})
	job, _ = e.Store().Job(key, "J1")
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.Equal(fixedNow))

	// Re-delivery keeps the first stamp.
	res := mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusCompleted}}})
	assert.False(t, res.Changed)

	// A server-provided timestamp wins.
	serverTime := fixedNow.Add(-time.Minute)
	mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusCompleted, CompletedAt: &serverTime}}})
	job, _ = e.Store().Job(key, "J1")
	assert.True(t, job.CompletedAt.Equal(serverTime))

	// Leaving a terminal state clears it.
	mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusRunning, CompletedAt: &serverTime}}})
	job, _ = e.Store().Job(key, "J1")
	assert.Nil(t, job.CompletedAt)
}

func TestEffectiveEventCarriesStoredRecords(t *testing.T) {
	e := newEngine()
	key := models.JobsKey(models.JobTypeIntegration)
	mustApply(t, e, events.Snapshot{Key: key, Jobs: []models.Job{{ID: "J1", Name: "sales", Status: models.JobStatusRunning}}})

	ev := events.StatusBatch{Key: key, Jobs: []models.Job{
		{ID: "J1", Status: models.JobStatusCompleted},
		{ID: "ghost", Status: models.JobStatusRunning},
	}}
	res := mustApply(t, e, ev)

	effective, ok := res.Effective(ev).(events.StatusBatch)
	require.True(t, ok)
	require.Len(t, effective.Jobs, 1, "ignored ids are dropped")
	stored, _ := e.Store().Job(key, "J1")
	assert.Equal(t, stored, effective.Jobs[0])
	assert.Equal(t, "sales", effective.Jobs[0].Name)
	require.NotNil(t, effective.Jobs[0].CompletedAt)

	// Another engine with another clock ends up with the same record.
	later := records.NewEngine(func() time.Time { return fixedNow.Add(time.Hour) }, nil)
	mustApply(t, later, events.Snapshot{Key: key, Jobs: []models.Job{{ID: "J1", Name: "sales", Status: models.JobStatusRunning}}})
	mustApply(t, later, effective)
	replayed, _ := later.Store().Job(key, "J1")
	assert.Equal(t, stored, replayed)

	msg := events.RunMessage{Message: models.RunMessage{ID: "m1", RunID: "R1"}}
	assert.Equal(t, events.Event(msg), mustApply(t, e, msg).Effective(msg))
}

func TestEvictAndRemonitor(t *testing.T) {
	e := newEngine()
	key := models.JobsKey(models.JobTypeSWE)
	mustApply(t, e, events.Snapshot{Key: key, Jobs: []models.Job{
		{ID: "done", Status: models.JobStatusCompleted},
		{ID: "live", Status: models.JobStatusRunning},
	}})

	res := mustApply(t, e, events.Evict{Key: key, IDs: []string{"done", "live", "missing"}})
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"missing"}, res.Ignored)
	assert.Len(t, e.Store().MonitoredJobs(key), 1, "running jobs cannot be evicted")
	assert.Len(t, e.Store().Jobs(key), 2, "eviction never deletes")

	mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "live", Status: models.JobStatusCompleted}}})
	res = mustApply(t, e, events.Evict{Key: key, IDs: []string{"done", "live"}})
	assert.Equal(t, models.AggregateCompleted, res.Previous)
	assert.Equal(t, models.AggregateIdle, res.Aggregate)
	assert.True(t, res.Transitioned())

	res = mustApply(t, e, events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "done", Status: models.JobStatusRunning}}})
	assert.Equal(t, models.AggregateRunning, res.Aggregate, "a job that restarts is monitored again")
}

func TestEvictAllTerminal(t *testing.T) {
	e := newEngine()
	key := models.JobsKey(models.JobTypeAnalysis)
	mustApply(t, e, events.Snapshot{Key: key, Jobs: []models.Job{
		{ID: "a", Status: models.JobStatusFailed},
		{ID: "b", Status: models.JobStatusCompleted},
		{ID: "c", Status: models.JobStatusPending},
	}})

	res := mustApply(t, e, events.Evict{Key: key})
	assert.Empty(t, res.Ignored)
	require.Len(t, e.Store().MonitoredJobs(key), 1)
	assert.Equal(t, "c", e.Store().MonitoredJobs(key)[0].ID)
}

func TestChatDoneSentinel(t *testing.T) {
	e := newEngine()
	key := models.ConversationKey("C1")

	for _, id := range []string{"a1", "a2", "a3"} {
		res := mustApply(t, e, events.ChatMessage{Key: key, Message: models.ChatMessage{ID: id, Role: models.RoleAssistant, Content: "tok " + id}})
		assert.False(t, res.Done)
	}

	done := events.ChatMessage{Key: key, Message: models.ChatMessage{ID: "d1", Role: models.RoleAssistant, Content: models.DoneSentinel}}
	res := mustApply(t, e, done)
	assert.True(t, res.Done)
	assert.False(t, res.Changed)

	res = mustApply(t, e, done)
	assert.False(t, res.Done, "the same sentinel fires once")

	assert.Len(t, e.Store().ChatMessages(key), 3)
}

func TestOptimisticUserMessageStable(t *testing.T) {
	e := newEngine()
	key := models.ConversationKey("C1")
	ctxSnap := &models.ContextSnapshot{DatasetIDs: []string{"ds1"}}

	user := models.ChatMessage{ID: "U1", ConversationID: "C1", Role: models.RoleUser, Content: "hello", Context: ctxSnap}
	mustApply(t, e, events.ChatMessage{Key: key, Message: user})

	// Server echoes the user message with different content; it must not rewrite it.
	echo := user
	echo.Content = "hello (normalized)"
	echo.Context = nil
	res := mustApply(t, e, events.ChatMessage{Key: key, Message: echo})
	assert.False(t, res.Changed)

	mustApply(t, e, events.ChatMessage{Key: key, Message: models.ChatMessage{ID: "A1", Role: models.RoleAssistant, Content: "Hi"}})
	mustApply(t, e, events.ChatMessage{Key: key, Message: models.ChatMessage{ID: "A1", Role: models.RoleAssistant, Content: "Hi there"}})
	mustApply(t, e, events.ChatMessage{Key: key, Message: models.ChatMessage{Role: models.RoleAssistant, Content: models.DoneSentinel}})

	msgs := e.Store().ChatMessages(key)
	require.Len(t, msgs, 2)
	assert.Equal(t, user, msgs[0])
	assert.Equal(t, "A1", msgs[1].ID)
	assert.Equal(t, "Hi there", msgs[1].Content, "assistant messages update in place")
}

func TestUserMessageFailureMark(t *testing.T) {
	e := newEngine()
	key := models.ConversationKey("C1")
	user := models.ChatMessage{ID: "U1", Role: models.RoleUser, Content: "x"}
	mustApply(t, e, events.ChatMessage{Key: key, Message: user})

	failed := user
	failed.Failed = true
	res := mustApply(t, e, events.ChatMessage{Key: key, Message: failed})
	assert.True(t, res.Changed)

	got, ok := e.Store().ChatMessage(key, "U1")
	require.True(t, ok)
	assert.True(t, got.Failed)
	assert.Equal(t, "x", got.Content)
}

func TestOutOfOrderChannelsCommute(t *testing.T) {
	runKey := models.RunKey("R1")
	seed := events.Snapshot{Key: runKey, Jobs: []models.Job{{ID: "R1", Type: models.JobTypeKvasirAgent, Status: models.JobStatusRunning}}}
	batch := events.StatusBatch{Key: runKey, Jobs: []models.Job{{ID: "R1", Status: models.JobStatusCompleted}}}
	msg := events.RunMessage{Message: models.RunMessage{ID: "m1", RunID: "R1", Content: "final"}}
	typeBatch := events.StatusBatch{Key: models.JobsKey(models.JobTypeKvasirAgent), Jobs: []models.Job{{ID: "R1", Status: models.JobStatusCompleted}}}

	orders := [][]events.Event{
		{seed, batch, msg, typeBatch},
		{seed, msg, batch, typeBatch},
		{seed, typeBatch, msg, batch},
		{seed, msg, typeBatch, batch, msg, batch},
	}

	var reference *records.Engine
	for i, order := range orders {
		e := newEngine()
		for _, ev := range order {
			mustApply(t, e, ev)
		}
		if reference == nil {
			reference = e
			continue
		}
		for _, key := range reference.Store().Keys() {
			assert.Equal(t, reference.Store().Jobs(key), e.Store().Jobs(key), "order %d jobs %s", i, key)
			assert.Equal(t, reference.Store().RunMessages(key), e.Store().RunMessages(key), "order %d messages %s", i, key)
		}
		assert.Equal(t, reference.Store().Keys(), e.Store().Keys())
	}
}

func TestApplyRejectsInvalidEventsAtomically(t *testing.T) {
	e := newEngine()
	key := models.JobsKey(models.JobTypeIntegration)
	mustApply(t, e, events.Snapshot{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusRunning}}})

	_, err := e.Apply(events.StatusBatch{Key: key, Jobs: []models.Job{
		{ID: "J1", Status: models.JobStatusCompleted},
		{Status: models.JobStatusFailed},
	}})
	require.ErrorIs(t, err, records.ErrInvalidEvent)

	job, _ := e.Store().Job(key, "J1")
	assert.Equal(t, models.JobStatusRunning, job.Status, "a rejected batch writes nothing")

	_, err = e.Apply(events.Snapshot{Key: models.Key{Kind: "bogus", Scope: "x"}})
	assert.ErrorIs(t, err, records.ErrInvalidEvent)

	_, err = e.Apply(nil)
	assert.ErrorIs(t, err, records.ErrInvalidEvent)
}

func TestStoreReadsReturnCopies(t *testing.T) {
	e := newEngine()
	mustApply(t, e, events.RunMessage{Message: models.RunMessage{ID: "m1", RunID: "R"}})

	msgs := e.Store().RunMessages(models.RunKey("R"))
	msgs[0].Content = "mutated"

	assert.Empty(t, e.Store().RunMessages(models.RunKey("R"))[0].Content)
	assert.Equal(t, models.AggregateIdle, e.Store().Aggregate(models.JobsKey(models.JobTypeSWE)))
	assert.Nil(t, e.Store().Jobs(models.JobsKey(models.JobTypeSWE)))
}
