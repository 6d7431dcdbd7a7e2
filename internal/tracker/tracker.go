// Package tracker wires the sync engine together: initial fetches, the apply
// path, channel reconciliation, optimistic mutations and change notification.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/kvasir-sync/internal/client"
	"github.com/raphaelgruber/kvasir-sync/internal/contextset"
	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/metrics"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/optimistic"
	"github.com/raphaelgruber/kvasir-sync/internal/records"
	"github.com/raphaelgruber/kvasir-sync/internal/sched"
	"github.com/raphaelgruber/kvasir-sync/internal/stream"
	"github.com/raphaelgruber/kvasir-sync/internal/transport"
)

// Backend is the request/response side of the API. *client.Client implements it.
type Backend interface {
	optimistic.Backend
	Seed(ctx context.Context, key models.Key) ([]events.Event, error)
	ListConversations(ctx context.Context, projectID string) ([]models.Conversation, error)
}

// Journal records applied events. *journal.Journal implements it.
type Journal interface {
	Append(ctx context.Context, ev events.Event) error
}

// Options configure a Tracker. Zero values fall back to defaults.
type Options struct {
	Scheduler sched.Scheduler
	Decay     time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	Journal   Journal
	Contexts  *contextset.Set
	// ProjectID scopes context attachments and the conversation list.
	ProjectID string
}

// Tracker is the entry point of the sync engine.
type Tracker struct {
	backend   Backend
	engine    *records.Engine
	streams   *stream.Manager
	submitter *optimistic.Submitter
	contexts  *contextset.Set
	journal   Journal
	logger    *slog.Logger
	stats     *metrics.Collector
	project   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	turns map[models.Key]int
	subs  map[chan models.Key]struct{}

	convMu        sync.RWMutex
	conversations []models.Conversation
}

// New creates a tracker that fetches through backend and streams through dialer.
func New(backend Backend, dialer transport.Dialer, opts Options) *Tracker {
	clock := opts.Scheduler
	if clock == nil {
		clock = sched.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	contexts := opts.Contexts
	if contexts == nil {
		contexts = contextset.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		backend:  backend,
		engine:   records.NewEngine(clock.Now, logger),
		contexts: contexts,
		journal:  opts.Journal,
		logger:   logger,
		stats:    opts.Metrics,
		project:  opts.ProjectID,
		ctx:      ctx,
		cancel:   cancel,
		turns:    make(map[models.Key]int),
		subs:     make(map[chan models.Key]struct{}),
	}
	t.streams = stream.NewManager(dialer, t.sink, stream.Options{
		Decay:     opts.Decay,
		Scheduler: clock,
		Logger:    logger,
		Metrics:   opts.Metrics,
		OnDone:    t.onDone,
		OnClosed:  t.onClosed,
	})
	t.submitter = optimistic.NewSubmitter(backend, t, contexts,
		optimistic.WithClock(clock.Now),
		optimistic.WithLogger(logger),
		optimistic.WithMetrics(opts.Metrics),
	)
	return t
}

// Store returns read access to the records.
func (t *Tracker) Store() *records.Store { return t.engine.Store() }

// Streams returns the channel manager.
func (t *Tracker) Streams() *stream.Manager { return t.streams }

// Submitter returns the optimistic mutation layer bound to this tracker.
func (t *Tracker) Submitter() *optimistic.Submitter { return t.submitter }

// Contexts returns the context aggregator.
func (t *Tracker) Contexts() *contextset.Set { return t.contexts }

// Project returns the project id used for attachments and conversation lists.
func (t *Tracker) Project() string { return t.project }

// =============================================================================
// OBSERVATION
// =============================================================================

// Watch observes key: it seeds the store from the initial fetch and opens a
// channel if the key is live. The returned func releases the observation and
// is safe to call more than once. Calling Watch again for a key whose channel
// dropped reseeds it and reopens the channel if it is still running.
func (t *Tracker) Watch(ctx context.Context, key models.Key) (func(), error) {
	if !key.Valid() {
		return nil, fmt.Errorf("watch: invalid key %q", key)
	}
	t.streams.Observe(key)

	if err := t.seed(ctx, key); err != nil {
		t.streams.Release(key)
		return nil, err
	}
	t.reconcile(key)

	var once sync.Once
	return func() {
		once.Do(func() { t.streams.Release(key) })
	}, nil
}

func (t *Tracker) seed(ctx context.Context, key models.Key) error {
	start := time.Now()
	evs, err := t.backend.Seed(ctx, key)
	t.stats.RecordTiming(metrics.OpSeed, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("seed %s: %w", key, err)
	}

	for _, ev := range evs {
		if _, err := t.Apply(ev); err != nil {
			return fmt.Errorf("seed %s: %w", key, err)
		}
	}
	t.logger.Debug("seeded", "key", key.String(), "events", len(evs))
	return nil
}

// =============================================================================
// APPLY PATH
// =============================================================================

// Apply merges ev into the store, journals it and reconciles the channel of
// its key. Every write, local or pushed, goes through here.
func (t *Tracker) Apply(ev events.Event) (records.Result, error) {
	start := time.Now()
	res, err := t.engine.Apply(ev)
	t.stats.RecordTiming(metrics.OpApply, time.Since(start), err)
	if err != nil {
		t.logger.Warn("event rejected", "kind", ev.Kind(), "error", err)
		return res, err
	}

	if res.Duplicate {
		t.stats.Inc(metrics.CounterEventsDuplicate)
	}
	if n := len(res.Ignored); n > 0 {
		t.stats.Add(metrics.CounterEventsIgnored, int64(n))
		t.logger.Debug("update for unknown records ignored", "key", res.Key.String(), "ids", res.Ignored)
	}

	if res.Changed || res.Done {
		t.stats.Inc(metrics.CounterEventsApplied)
		if t.journal != nil {
			if err := t.journal.Append(t.ctx, res.Effective(ev)); err != nil {
				t.logger.Warn("journal append failed", "kind", ev.Kind(), "error", err)
			}
		}
	}
	if res.Transitioned() {
		t.logger.Info("aggregate changed", "key", res.Key.String(), "from", res.Previous, "to", res.Aggregate)
	}

	t.reconcile(res.Key)
	if res.Changed {
		t.notify(res.Key)
	}
	if res.Done {
		t.finishReply(res.Key)
	}
	if res.Changed && len(res.Jobs) > 0 {
		t.mirror(res)
	}
	return res, nil
}

// mirror copies changed job records between the two cells that hold a run:
// its job-type cell and its own run cell. Status arrives on whichever channel
// is open, and each cell drives its own channel. Only cells that already hold
// the job are updated; an unchanged copy ends the exchange.
func (t *Tracker) mirror(res records.Result) {
	store := t.engine.Store()
	for _, job := range res.Jobs {
		var target models.Key
		switch res.Key.Kind {
		case models.KeyJobs:
			target = models.RunKey(job.ID)
		case models.KeyRun:
			if !job.Type.Valid() {
				continue
			}
			target = models.JobsKey(job.Type)
		default:
			continue
		}
		if _, ok := store.Job(target, job.ID); !ok {
			continue
		}
		if _, err := t.Apply(events.StatusBatch{Key: target, Jobs: []models.Job{job}}); err != nil {
			t.logger.Warn("mirror job update failed", "key", target.String(), "job_id", job.ID, "error", err)
		}
	}
}

// sink feeds channel frames and decay evictions into Apply.
func (t *Tracker) sink(ev events.Event) {
	_, _ = t.Apply(ev)
}

// reconcile hands the channel status of key to the stream manager.
func (t *Tracker) reconcile(key models.Key) {
	t.streams.Reconcile(key, t.liveStatus(key))
}

// liveStatus is the aggregate used for channel lifecycle. A key with a
// monitored pending job or an outstanding prompt turn counts as running,
// so the channel is open before the first running update arrives.
func (t *Tracker) liveStatus(key models.Key) models.AggregateStatus {
	t.mu.Lock()
	inTurn := t.turns[key] > 0
	t.mu.Unlock()
	if inTurn {
		return models.AggregateRunning
	}
	if key.Kind == models.KeyConversation {
		return models.AggregateIdle
	}

	store := t.engine.Store()
	agg := store.Aggregate(key)
	if agg == models.AggregateRunning {
		return agg
	}
	if slices.ContainsFunc(store.MonitoredJobs(key), func(j models.Job) bool {
		return j.Status == models.JobStatusPending
	}) {
		return models.AggregateRunning
	}
	return agg
}

// =============================================================================
// TURNS
// =============================================================================

// ExpectReply marks a prompt turn in flight for key, which keeps its channel
// open until the reply's DONE sentinel arrives. Turns are counted: each DONE
// ends one of them.
func (t *Tracker) ExpectReply(key models.Key) {
	t.mu.Lock()
	t.turns[key]++
	t.mu.Unlock()
	t.reconcile(key)
}

// finishReply ends one turn of key.
func (t *Tracker) finishReply(key models.Key) {
	t.mu.Lock()
	n := t.turns[key]
	switch {
	case n == 0:
		t.mu.Unlock()
		return
	case n == 1:
		delete(t.turns, key)
	default:
		t.turns[key] = n - 1
	}
	t.mu.Unlock()
	t.reconcile(key)
	t.notify(key)
}

// abandonReplies ends every turn of key. No reply can arrive once its
// channel is gone.
func (t *Tracker) abandonReplies(key models.Key) {
	t.mu.Lock()
	n := t.turns[key]
	delete(t.turns, key)
	t.mu.Unlock()
	if n == 0 {
		return
	}
	t.logger.Warn("channel closed before reply completed", "key", key.String(), "turns", n)
	t.reconcile(key)
	t.notify(key)
}

// Replying reports whether a prompt turn is in flight for key.
func (t *Tracker) Replying(key models.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns[key] > 0
}

// SubmitPrompt sends a user turn optimistically and opens the reply channel.
// A failed submission ends the turn and returns an *optimistic.SubmitError.
func (t *Tracker) SubmitPrompt(ctx context.Context, p optimistic.Prompt) (models.ChatMessage, error) {
	key, err := p.Key()
	if err != nil {
		return models.ChatMessage{}, err
	}
	if p.ProjectID == "" {
		p.ProjectID = t.project
	}

	t.ExpectReply(key)
	msg, err := t.submitter.SubmitPrompt(ctx, p)
	if err != nil {
		t.finishReply(key)
	}
	return msg, err
}

// TriggerJob submits a job and tracks it immediately.
func (t *Tracker) TriggerJob(ctx context.Context, req client.JobRequest) (*models.Job, error) {
	return t.submitter.TriggerJob(ctx, req)
}

// onDone runs once per channel after its first DONE sentinel.
func (t *Tracker) onDone(key models.Key) {
	t.logger.Debug("reply complete", "key", key.String())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.RefreshConversations(t.ctx); err != nil {
			t.logger.Warn("refresh conversations failed", "error", err)
		}
	}()
}

// onClosed runs whenever a channel of key closes.
func (t *Tracker) onClosed(key models.Key) {
	t.abandonReplies(key)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// RefreshConversations reloads the conversation list of the project.
func (t *Tracker) RefreshConversations(ctx context.Context) error {
	convs, err := t.backend.ListConversations(ctx, t.project)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	t.convMu.Lock()
	t.conversations = convs
	t.convMu.Unlock()
	return nil
}

// Conversations returns the last fetched conversation list.
func (t *Tracker) Conversations() []models.Conversation {
	t.convMu.RLock()
	defer t.convMu.RUnlock()
	return slices.Clone(t.conversations)
}

// =============================================================================
// NOTIFICATION
// =============================================================================

// Subscribe returns a channel receiving the key of every changed record group.
// Notifications are dropped for a subscriber whose buffer is full.
// The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan models.Key, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Key, buffer)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			if _, ok := t.subs[ch]; ok {
				delete(t.subs, ch)
				close(ch)
			}
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) notify(key models.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- key:
		default:
		}
	}
}

// Close shuts every channel and timer and closes subscriber channels.
func (t *Tracker) Close() {
	t.streams.Close()
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	for ch := range t.subs {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}
