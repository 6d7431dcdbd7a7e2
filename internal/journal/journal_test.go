package journal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/journal"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/records"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndEntries(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	jobs := models.JobsKey(models.JobTypeIntegration)
	conv := models.ConversationKey("C1")
	require.NoError(t, j.Append(ctx, events.Snapshot{Key: jobs, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusPending}}}))
	require.NoError(t, j.Append(ctx, events.ChatMessage{Key: conv, Message: models.ChatMessage{ID: "U1", Role: models.RoleUser, Content: "hi", Failed: true}}))
	require.NoError(t, j.Append(ctx, events.StatusBatch{Key: jobs, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusRunning}}}))

	all, err := j.Entries(ctx, models.Key{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Less(t, all[0].Seq, all[1].Seq)
	assert.Equal(t, events.KindStatusBatch, all[2].Event.Kind())

	chat, err := j.Entries(ctx, conv)
	require.NoError(t, err)
	require.Len(t, chat, 1)
	msg := chat[0].Event.(events.ChatMessage).Message
	assert.True(t, msg.Failed, "local failure mark survives the journal")
	assert.False(t, chat[0].CreatedAt.IsZero())
}

func TestReplayConverges(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	live := records.NewEngine(func() time.Time { return t0 }, nil)
	key := models.JobsKey(models.JobTypeAnalysis)
	evs := []events.Event{
		events.Snapshot{Key: key, Jobs: []models.Job{{ID: "A", Status: models.JobStatusPending}}},
		events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "A", Status: models.JobStatusRunning}}},
		events.RunMessage{Message: models.RunMessage{ID: "m1", RunID: "A", Content: "step"}},
		events.RunMessage{Message: models.RunMessage{ID: "m1", RunID: "A", Content: "step"}},
		events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "A", Status: models.JobStatusCompleted}}},
		events.Evict{Key: key},
	}
	for _, ev := range evs {
		res, err := live.Apply(ev)
		require.NoError(t, err)
		require.NoError(t, j.Append(ctx, res.Effective(ev)))
	}

	rebuilt := records.NewEngine(func() time.Time { return t0.Add(time.Hour) }, nil)
	n, err := j.Replay(ctx, rebuilt)
	require.NoError(t, err)
	assert.Equal(t, len(evs), n)

	assert.Equal(t, live.Store().Aggregate(key), rebuilt.Store().Aggregate(key))
	assert.Equal(t, models.AggregateIdle, rebuilt.Store().Aggregate(key))
	assert.Len(t, rebuilt.Store().RunMessages(models.RunKey("A")), 1)

	liveJob, _ := live.Store().Job(key, "A")
	rebuiltJob, _ := rebuilt.Store().Job(key, "A")
	require.NotNil(t, rebuiltJob.CompletedAt)
	assert.Equal(t, liveJob, rebuiltJob, "completion stamp comes from the journal, not the replay clock")
	assert.Equal(t, live.Store().MonitoredJobs(key), rebuilt.Store().MonitoredJobs(key))
}

func TestReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := journal.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, events.Evict{Key: models.JobsKey(models.JobTypeSWE), IDs: []string{"x"}}))
	require.NoError(t, j.Close())

	j, err = journal.Open(ctx, path)
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Entries(ctx, models.Key{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"x"}, entries[0].Event.(events.Evict).IDs)
}
