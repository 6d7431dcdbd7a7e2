// Package optimistic inserts user-initiated records into the store before the
// network round-trip and surfaces submission failures to the caller.
package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/kvasir-sync/internal/client"
	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/metrics"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/records"
)

// Backend performs the real submissions.
type Backend interface {
	SubmitPrompt(ctx context.Context, req client.PromptRequest) (*client.PromptResponse, error)
	TriggerJob(ctx context.Context, req client.JobRequest) (*models.Job, error)
}

// Applier is the single write path into the store.
type Applier interface {
	Apply(ev events.Event) (records.Result, error)
}

// ContextSource returns the current attachments of a project.
type ContextSource interface {
	Snapshot(projectID string) models.ContextSnapshot
}

// SubmitError reports a failed prompt submission. The provisional message
// stays in the store; Message identifies it for MarkFailed or a retry.
type SubmitError struct {
	Message models.ChatMessage
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit prompt %s: %v", e.Message.ID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Prompt is a user turn to send.
type Prompt struct {
	ProjectID      string
	ConversationID string
	RunID          string
	Content        string
}

// Key returns the store key the prompt belongs to.
func (p Prompt) Key() (models.Key, error) {
	switch {
	case p.ConversationID != "":
		return models.ConversationKey(p.ConversationID), nil
	case p.RunID != "":
		return models.RunKey(p.RunID), nil
	}
	return models.Key{}, fmt.Errorf("prompt needs a conversation or run id")
}

// Submitter runs optimistic mutations.
type Submitter struct {
	backend  Backend
	store    Applier
	contexts ContextSource
	now      func() time.Time
	logger   *slog.Logger
	stats    *metrics.Collector
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithClock sets the time source for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// WithMetrics records submission timings.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Submitter) { s.stats = c }
}

// NewSubmitter creates a submitter. contexts may be nil when no attachments are used.
func NewSubmitter(backend Backend, store Applier, contexts ContextSource, opts ...Option) *Submitter {
	s := &Submitter{
		backend:  backend,
		store:    store,
		contexts: contexts,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitPrompt inserts the user's message with a fresh id and the project's
// current context, then submits it. On failure the error is a *SubmitError.
func (s *Submitter) SubmitPrompt(ctx context.Context, p Prompt) (models.ChatMessage, error) {
	key, err := p.Key()
	if err != nil {
		return models.ChatMessage{}, err
	}

	var snapshot models.ContextSnapshot
	if s.contexts != nil {
		snapshot = s.contexts.Snapshot(p.ProjectID)
	}
	msg := models.ChatMessage{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		RunID:          p.RunID,
		Role:           models.RoleUser,
		Content:        p.Content,
		Context:        &snapshot,
		CreatedAt:      s.now().UTC(),
	}

	if _, err := s.store.Apply(events.ChatMessage{Key: key, Message: msg}); err != nil {
		return msg, fmt.Errorf("insert optimistic message: %w", err)
	}

	start := time.Now()
	_, err = s.backend.SubmitPrompt(ctx, client.PromptRequest{
		MessageID:      msg.ID,
		ConversationID: p.ConversationID,
		RunID:          p.RunID,
		Content:        p.Content,
		Context:        snapshot,
	})
	s.stats.RecordTiming(metrics.OpSubmit, time.Since(start), err)
	if err != nil {
		s.logger.Warn("prompt submission failed", "key", key.String(), "message_id", msg.ID, "error", err)
		return msg, &SubmitError{Message: msg, Err: err}
	}

	s.logger.Debug("prompt submitted", "key", key.String(), "message_id", msg.ID)
	return msg, nil
}

// MarkFailed flags a provisional user message as failed. Its content and id
// are unchanged.
func (s *Submitter) MarkFailed(msg models.ChatMessage) error {
	msg.Failed = true
	if _, err := s.store.Apply(events.ChatMessage{Key: events.ChatKey(msg), Message: msg}); err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return nil
}

// TriggerJob submits a job and tracks the returned record immediately.
func (s *Submitter) TriggerJob(ctx context.Context, req client.JobRequest) (*models.Job, error) {
	start := time.Now()
	job, err := s.backend.TriggerJob(ctx, req)
	s.stats.RecordTiming(metrics.OpSubmit, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	key := models.JobsKey(job.Type)
	if _, err := s.store.Apply(events.Snapshot{Key: key, Jobs: []models.Job{*job}}); err != nil {
		return job, fmt.Errorf("track job %s: %w", job.ID, err)
	}
	s.logger.Info("job triggered", "job_id", job.ID, "type", job.Type)
	return job, nil
}
