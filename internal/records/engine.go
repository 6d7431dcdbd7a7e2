package records

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/status"
)

// ErrInvalidEvent indicates an event that cannot be applied at all
// (bad key, record without id). Nothing is written for it.
var ErrInvalidEvent = errors.New("invalid event")

// Result describes what a single Apply did.
type Result struct {
	Key     models.Key
	Kind    events.Kind
	Changed bool

	// Duplicate is set when a message event carried an id already stored.
	Duplicate bool
	// Ignored lists ids an update referenced that are not in the store.
	Ignored []string

	// Partition of a status batch: still running/blocked, completed, failed.
	Pending   []string
	Completed []string
	Failed    []string

	// Done is set the first time a DONE sentinel is seen for (key, id).
	Done bool

	// Jobs holds the merged records a status batch or snapshot wrote, in
	// event order, with CompletedAt as stored.
	Jobs []models.Job

	Previous  models.AggregateStatus
	Aggregate models.AggregateStatus
}

// Transitioned reports whether the aggregate changed.
func (r Result) Transitioned() bool {
	return r.Previous != r.Aggregate
}

// Effective returns ev as it was stored: job events carry the merged records
// instead of the incoming ones, and ids the store ignored are dropped.
// Re-applying the effective event to another engine yields the same records
// regardless of that engine's clock.
func (r Result) Effective(ev events.Event) events.Event {
	switch ev := ev.(type) {
	case events.StatusBatch:
		return events.StatusBatch{Key: ev.Key, Jobs: r.Jobs}
	case events.Snapshot:
		return events.Snapshot{Key: ev.Key, Jobs: r.Jobs}
	}
	return ev
}

// Engine applies events to a Store. Apply is idempotent for duplicate
// deliveries and is the single serialization point for writes.
type Engine struct {
	store  *Store
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an engine over a fresh store.
// now stamps CompletedAt on terminal jobs that arrive without one; nil means time.Now.
func NewEngine(now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: NewStore(), now: now, logger: logger}
}

// Store returns the read side of the engine.
func (e *Engine) Store() *Store {
	return e.store
}

// Apply merges one event into the store. The event is validated before any
// write, so a rejected event leaves the store untouched.
func (e *Engine) Apply(ev events.Event) (Result, error) {
	if ev == nil {
		return Result{}, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	key := ev.Target()
	res := Result{Key: key, Kind: ev.Kind()}
	if !key.Valid() {
		return res, fmt.Errorf("%w: bad key %q", ErrInvalidEvent, key)
	}
	if err := validate(ev); err != nil {
		return res, err
	}

	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	c := e.store.cellFor(key)
	res.Previous = c.aggregate()

	switch ev := ev.(type) {
	case events.StatusBatch:
		e.applyStatusBatch(c, ev, &res)
	case events.Snapshot:
		e.applySnapshot(c, ev, &res)
	case events.Evict:
		applyEvict(c, ev, &res)
	case events.RunMessage:
		applyRunMessage(c, ev, &res)
	case events.ChatMessage:
		applyChatMessage(c, ev, &res)
	}

	res.Aggregate = c.aggregate()
	return res, nil
}

func validate(ev events.Event) error {
	switch ev := ev.(type) {
	case events.StatusBatch:
		return validateJobs(ev.Jobs)
	case events.Snapshot:
		return validateJobs(ev.Jobs)
	case events.RunMessage:
		if ev.Message.ID == "" {
			return fmt.Errorf("%w: run message without id", ErrInvalidEvent)
		}
	case events.ChatMessage:
		if ev.Message.ID == "" && !ev.Message.IsDone() {
			return fmt.Errorf("%w: chat message without id", ErrInvalidEvent)
		}
	}
	return nil
}

func validateJobs(jobs []models.Job) error {
	for i, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("%w: job %d without id", ErrInvalidEvent, i)
		}
	}
	return nil
}

// applyStatusBatch replaces jobs already in the cell; unknown ids are left alone.
func (e *Engine) applyStatusBatch(c *cell, ev events.StatusBatch, res *Result) {
	for _, incoming := range ev.Jobs {
		i, ok := c.jobIndex[incoming.ID]
		if !ok {
			res.Ignored = append(res.Ignored, incoming.ID)
			continue
		}

		entry := &c.jobs[i]
		if !status.CanTransition(entry.job.Status, incoming.Status) {
			e.logger.Debug("out-of-order status transition",
				"key", res.Key.String(), "job_id", incoming.ID,
				"from", entry.job.Status, "to", incoming.Status)
		}

		merged := e.merge(&entry.job, incoming)
		if !jobEqual(merged, entry.job) {
			res.Changed = true
		}
		entry.job = merged
		res.Jobs = append(res.Jobs, merged)
		if !merged.Status.Terminal() && !entry.monitored {
			entry.monitored = true
			res.Changed = true
		}

		switch merged.Status {
		case models.JobStatusCompleted, models.JobStatusRejected:
			res.Completed = append(res.Completed, merged.ID)
		case models.JobStatusFailed:
			res.Failed = append(res.Failed, merged.ID)
		default:
			res.Pending = append(res.Pending, merged.ID)
		}
	}
}

// applySnapshot upserts jobs; new ones start out monitored.
func (e *Engine) applySnapshot(c *cell, ev events.Snapshot, res *Result) {
	for _, incoming := range ev.Jobs {
		i, ok := c.jobIndex[incoming.ID]
		if !ok {
			merged := e.merge(nil, incoming)
			c.jobIndex[incoming.ID] = len(c.jobs)
			c.jobs = append(c.jobs, jobEntry{job: merged, monitored: true})
			res.Jobs = append(res.Jobs, merged)
			res.Changed = true
			continue
		}

		entry := &c.jobs[i]
		merged := e.merge(&entry.job, incoming)
		if !jobEqual(merged, entry.job) {
			res.Changed = true
		}
		entry.job = merged
		res.Jobs = append(res.Jobs, merged)
		if !merged.Status.Terminal() && !entry.monitored {
			entry.monitored = true
			res.Changed = true
		}
	}
}

// applyEvict stops terminal jobs from counting toward the aggregate.
func applyEvict(c *cell, ev events.Evict, res *Result) {
	ids := ev.IDs
	if len(ids) == 0 {
		for _, entry := range c.jobs {
			ids = append(ids, entry.job.ID)
		}
	}
	for _, id := range ids {
		i, ok := c.jobIndex[id]
		if !ok {
			res.Ignored = append(res.Ignored, id)
			continue
		}
		entry := &c.jobs[i]
		if entry.monitored && entry.job.Status.Terminal() {
			entry.monitored = false
			res.Changed = true
		}
	}
}

func applyRunMessage(c *cell, ev events.RunMessage, res *Result) {
	if _, ok := c.runMessageIDs[ev.Message.ID]; ok {
		res.Duplicate = true
		return
	}
	c.runMessageIDs[ev.Message.ID] = struct{}{}
	c.runMessages = append(c.runMessages, ev.Message)
	res.Changed = true
}

func applyChatMessage(c *cell, ev events.ChatMessage, res *Result) {
	msg := ev.Message
	if msg.IsDone() {
		if _, seen := c.doneIDs[msg.ID]; seen && msg.ID != "" {
			res.Duplicate = true
			return
		}
		if msg.ID != "" {
			c.doneIDs[msg.ID] = struct{}{}
		}
		res.Done = true
		return
	}

	i, ok := c.chatIndex[msg.ID]
	if !ok {
		c.chatIndex[msg.ID] = len(c.chat)
		c.chat = append(c.chat, msg)
		res.Changed = true
		return
	}

	existing := &c.chat[i]
	if existing.Role == models.RoleUser {
		// The user's own message keeps its content; only a local failure mark sticks.
		if msg.Failed && !existing.Failed {
			existing.Failed = true
			res.Changed = true
			return
		}
		res.Duplicate = true
		return
	}

	if chatEqual(*existing, msg) {
		res.Duplicate = true
		return
	}
	if msg.Context == nil {
		msg.Context = existing.Context
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = existing.CreatedAt
	}
	*existing = msg
	res.Changed = true
}

func jobEqual(a, b models.Job) bool {
	if a.ID != b.ID || a.Type != b.Type || a.Status != b.Status || a.Name != b.Name ||
		a.Description != b.Description || a.Error != b.Error || !a.StartedAt.Equal(b.StartedAt) {
		return false
	}
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return a.CompletedAt == b.CompletedAt
	}
	return a.CompletedAt.Equal(*b.CompletedAt)
}

func chatEqual(a, b models.ChatMessage) bool {
	return a.ID == b.ID && a.Role == b.Role && a.Content == b.Content &&
		a.ConversationID == b.ConversationID && a.RunID == b.RunID &&
		(b.CreatedAt.IsZero() || a.CreatedAt.Equal(b.CreatedAt))
}

// merge overlays incoming on prev. CompletedAt is
// set iff the status is terminal.
func (e *Engine) merge(prev *models.Job, incoming models.Job) models.Job {
	merged := incoming
	if prev != nil {
		if merged.Type == "" {
			merged.Type = prev.Type
		}
		if merged.Name == "" {
			merged.Name = prev.Name
		}
		if merged.Description == "" {
			merged.Description = prev.Description
		}
		if merged.StartedAt.IsZero() {
			merged.StartedAt = prev.StartedAt
		}
		if merged.Status == "" {
			merged.Status = prev.Status
		}
	}
	if merged.Status == "" {
		merged.Status = models.JobStatusPending
	}

	if !merged.Status.Terminal() {
		merged.CompletedAt = nil
		return merged
	}
	switch {
	case merged.CompletedAt != nil:
	case prev != nil && prev.Status.Terminal() && prev.CompletedAt != nil:
		merged.CompletedAt = prev.CompletedAt
	default:
		now := e.now()
		merged.CompletedAt = &now
	}
	return merged
}
