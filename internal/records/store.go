// Package records holds the in-memory record store and the merge engine that
// is its only writer.
//
// The store is keyed by models.Key: one cell per job type, run or
// conversation. Readers get copies; every mutation goes through Engine.Apply.
package records

import (
	"cmp"
	"slices"
	"sync"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/status"
)

type jobEntry struct {
	job       models.Job
	monitored bool
}

// cell holds every record addressed by one key.
type cell struct {
	jobs     []jobEntry
	jobIndex map[string]int

	runMessages   []models.RunMessage
	runMessageIDs map[string]struct{}

	chat      []models.ChatMessage
	chatIndex map[string]int

	doneIDs map[string]struct{}
}

func newCell() *cell {
	return &cell{
		jobIndex:      make(map[string]int),
		runMessageIDs: make(map[string]struct{}),
		chatIndex:     make(map[string]int),
		doneIDs:       make(map[string]struct{}),
	}
}

func (c *cell) monitoredJobs() []models.Job {
	jobs := make([]models.Job, 0, len(c.jobs))
	for _, e := range c.jobs {
		if e.monitored {
			jobs = append(jobs, e.job)
		}
	}
	return jobs
}

func (c *cell) aggregate() models.AggregateStatus {
	return status.AggregateJobs(c.monitoredJobs())
}

// Store is an addressable in-memory table of jobs, run messages and chat
// messages. It has no awareness of transport.
type Store struct {
	mu    sync.RWMutex
	cells map[models.Key]*cell
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{cells: make(map[models.Key]*cell)}
}

// cellFor returns the cell for key, creating it. Caller must hold the write lock.
func (s *Store) cellFor(key models.Key) *cell {
	c, ok := s.cells[key]
	if !ok {
		c = newCell()
		s.cells[key] = c
	}
	return c
}

// Keys returns every key that holds records.
func (s *Store) Keys() []models.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]models.Key, 0, len(s.cells))
	for k := range s.cells {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b models.Key) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Scope, b.Scope))
	})
	return keys
}

// Jobs returns all jobs under key in insertion order, monitored or not.
func (s *Store) Jobs(key models.Key) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cells[key]
	if !ok {
		return nil
	}
	jobs := make([]models.Job, len(c.jobs))
	for i, e := range c.jobs {
		jobs[i] = e.job
	}
	return jobs
}

// MonitoredJobs returns the jobs that still count toward the aggregate.
func (s *Store) MonitoredJobs(key models.Key) []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cells[key]
	if !ok {
		return nil
	}
	return c.monitoredJobs()
}

// Job returns a single job by id.
func (s *Store) Job(key models.Key, id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cells[key]
	if !ok {
		return models.Job{}, false
	}
	i, ok := c.jobIndex[id]
	if !ok {
		return models.Job{}, false
	}
	return c.jobs[i].job, true
}

// Aggregate returns the aggregate status of the monitored jobs under key.
// Decay only runs for observed keys, so a key that finished while nobody
// watched it keeps reporting completed or failed until it is observed again.
func (s *Store) Aggregate(key models.Key) models.AggregateStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cells[key]
	if !ok {
		return models.AggregateIdle
	}
	return c.aggregate()
}

// RunMessages returns the messages of a run in arrival order.
func (s *Store) RunMessages(key models.Key) []models.RunMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cells[key]
	if !ok {
		return nil
	}
	return slices.Clone(c.runMessages)
}

// ChatMessages returns the chat messages under key in arrival order.
func (s *Store) ChatMessages(key models.Key) []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cells[key]
	if !ok {
		return nil
	}
	return slices.Clone(c.chat)
}

// ChatMessage returns a single chat message by id.
func (s *Store) ChatMessage(key models.Key, id string) (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cells[key]
	if !ok {
		return models.ChatMessage{}, false
	}
	i, ok := c.chatIndex[id]
	if !ok {
		return models.ChatMessage{}, false
	}
	return c.chat[i], true
}
