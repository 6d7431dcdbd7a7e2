package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/records"
)

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	done := start.Add(90 * time.Second)

	printJobs(&buf, []models.Job{
		{ID: "J1", Type: models.JobTypeIntegration, Status: models.JobStatusCompleted, StartedAt: start, CompletedAt: &done},
		{ID: "J2", Type: models.JobTypeIntegration, Status: models.JobStatusRunning},
	}, models.AggregateRunning)

	out := buf.String()
	assert.Contains(t, out, "J1")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "Aggregate: running")

	buf.Reset()
	printJobs(&buf, nil, models.AggregateIdle)
	assert.Equal(t, "No jobs found\n", buf.String())
}

func TestJobRequestFromFlags(t *testing.T) {
	jobsType = string(models.JobTypeIntegration)
	jobsFiles = []string{"a.csv", "b.csv"}
	jobsDescription = "sales"
	jobsName = ""
	jobsFields = []string{"delimiter=;"}
	t.Cleanup(func() { jobsFiles, jobsDescription, jobsFields = nil, "", nil })

	req, err := jobRequest()
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeIntegration, req.Type)
	assert.Equal(t, []string{"a.csv", "b.csv"}, req.Fields["files"])
	assert.Equal(t, "sales", req.Fields["data_description"])
	assert.Equal(t, ";", req.Fields["delimiter"])

	jobsFields = []string{"novalue"}
	_, err = jobRequest()
	assert.Error(t, err)

	jobsType = "bogus"
	_, err = jobRequest()
	assert.Error(t, err)
	jobsType = string(models.JobTypeIntegration)
}

func TestReplyPrinterStreamsSuffixes(t *testing.T) {
	var buf bytes.Buffer
	history := []models.ChatMessage{{ID: "old", Role: models.RoleAssistant, Content: "earlier answer"}}
	r := newReplyPrinter(&buf, history)

	r.print(append(history,
		models.ChatMessage{ID: "U1", Role: models.RoleUser, Content: "question"},
		models.ChatMessage{ID: "A1", Role: models.RoleAssistant, Content: "Rev"},
	))
	r.print(append(history,
		models.ChatMessage{ID: "U1", Role: models.RoleUser, Content: "question"},
		models.ChatMessage{ID: "A1", Role: models.RoleAssistant, Content: "Revenue is up"},
	))

	assert.Equal(t, "Revenue is up", buf.String())
}

func TestJobsViewQuitsWhenJobFinishes(t *testing.T) {
	engine := records.NewEngine(nil, nil)
	key := models.JobsKey(models.JobTypeSWE)
	_, err := engine.Apply(events.Snapshot{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusRunning}}})
	require.NoError(t, err)

	updates := make(chan models.Key)
	m := newJobsViewModel(engine.Store(), key, "J1", updates)
	assert.Contains(t, m.renderContent(), "[running]")

	next, cmd := m.Update(storeUpdateMsg{})
	require.NotNil(t, cmd)
	assert.False(t, next.(jobsViewModel).done)

	_, err = engine.Apply(events.StatusBatch{Key: key, Jobs: []models.Job{{ID: "J1", Status: models.JobStatusFailed, Error: "tests failed"}}})
	require.NoError(t, err)
	next, _ = next.(jobsViewModel).Update(storeUpdateMsg{})

	final := next.(jobsViewModel)
	assert.True(t, final.done)
	require.Error(t, final.err)
	assert.Equal(t, "tests failed", final.err.Error())
	assert.Contains(t, final.renderContent(), "Job failed")
}

func TestJobsViewWaitsForWatchedKey(t *testing.T) {
	engine := records.NewEngine(nil, nil)
	key := models.JobsKey(models.JobTypeSWE)
	updates := make(chan models.Key, 2)
	updates <- models.JobsKey(models.JobTypeAnalysis)
	updates <- key

	m := newJobsViewModel(engine.Store(), key, "", updates)
	assert.Equal(t, storeUpdateMsg{}, m.waitForUpdate()())

	close(updates)
	assert.Equal(t, subscriptionClosedMsg{}, m.waitForUpdate()())
}
