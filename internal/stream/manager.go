// Package stream owns the push channels of observed keys. A channel is open
// only while its key is observed and its aggregate status is running; frames
// are decoded at the boundary and handed to an apply sink.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/metrics"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/sched"
	"github.com/raphaelgruber/kvasir-sync/internal/transport"
)

// DefaultDecay is how long a completed or failed aggregate is shown before
// its terminal jobs are evicted.
const DefaultDecay = 5 * time.Second

// Sink receives every decoded event and every decay eviction. It must not
// call Close.
type Sink func(ev events.Event)

// Options configure a Manager. Zero values fall back to defaults.
type Options struct {
	Decay     time.Duration
	Scheduler sched.Scheduler
	Logger    *slog.Logger
	Metrics   *metrics.Collector

	// OnDone runs once per channel, after the first DONE sentinel it delivers.
	OnDone func(key models.Key)

	// OnClosed runs once per channel after it is closed for any reason.
	// It is never called with the manager lock held.
	OnClosed func(key models.Key)
}

// Manager reconciles channel lifecycle with observation and aggregate status.
type Manager struct {
	dialer   transport.Dialer
	sink     Sink
	decay    time.Duration
	clock    sched.Scheduler
	logger   *slog.Logger
	stats    *metrics.Collector
	onDone   func(key models.Key)
	onClosed func(key models.Key)

	mu        sync.Mutex
	closed    bool
	observers map[models.Key]int
	channels  map[models.Key]*channel
	decays    map[models.Key]*decayTask
	wg        sync.WaitGroup
}

type decayTask struct {
	task sched.Task
}

// NewManager creates a manager that dials through dialer and applies through sink.
func NewManager(dialer transport.Dialer, sink Sink, opts Options) *Manager {
	m := &Manager{
		dialer:    dialer,
		sink:      sink,
		decay:     opts.Decay,
		clock:     opts.Scheduler,
		logger:    opts.Logger,
		stats:     opts.Metrics,
		onDone:    opts.OnDone,
		onClosed:  opts.OnClosed,
		observers: make(map[models.Key]int),
		channels:  make(map[models.Key]*channel),
		decays:    make(map[models.Key]*decayTask),
	}
	if m.decay <= 0 {
		m.decay = DefaultDecay
	}
	if m.clock == nil {
		m.clock = sched.Real{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Observe registers interest in key. Observation is reference counted.
func (m *Manager) Observe(key models.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.observers[key]++
}

// Release drops one observation of key. When the last observer leaves, the
// channel is closed before Release returns and any pending decay is cancelled.
func (m *Manager) Release(key models.Key) {
	m.mu.Lock()
	n := m.observers[key]
	if n > 1 {
		m.observers[key] = n - 1
		m.mu.Unlock()
		return
	}
	delete(m.observers, key)
	m.cancelDecay(key)
	ch := m.channels[key]
	delete(m.channels, key)
	m.mu.Unlock()

	if ch != nil {
		m.closeChannel(ch)
	}
}

// Reconcile applies the lifecycle rule for key after its aggregate became agg:
// an observed running key gets a channel, any other status closes it.
// Completed and failed aggregates of observed keys schedule a decay; running
// cancels it.
func (m *Manager) Reconcile(key models.Key, agg models.AggregateStatus) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	observed := m.observers[key] > 0

	switch {
	case agg.Terminal() && observed && key.Kind != models.KeyConversation:
		m.scheduleDecay(key)
	case agg == models.AggregateRunning:
		m.cancelDecay(key)
	}

	ch := m.channels[key]
	switch {
	case agg == models.AggregateRunning && observed && ch == nil:
		m.open(key)
		m.mu.Unlock()
	case agg != models.AggregateRunning && ch != nil:
		delete(m.channels, key)
		m.mu.Unlock()
		m.closeChannel(ch)
	default:
		m.mu.Unlock()
	}
}

// IsOpen reports whether key currently has a channel.
func (m *Manager) IsOpen(key models.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[key]
	return ok
}

// Observed reports whether key has at least one observer.
func (m *Manager) Observed(key models.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers[key] > 0
}

// DecayPending reports whether a decay is scheduled for key.
func (m *Manager) DecayPending(key models.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.decays[key]
	return ok
}

// Close shuts every channel and timer and waits for the readers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for key := range m.decays {
		m.cancelDecay(key)
	}
	chans := make([]*channel, 0, len(m.channels))
	for key, ch := range m.channels {
		chans = append(chans, ch)
		delete(m.channels, key)
	}
	clear(m.observers)
	m.mu.Unlock()

	for _, ch := range chans {
		m.closeChannel(ch)
	}
	m.wg.Wait()
}

// =============================================================================
// DECAY
// =============================================================================

// scheduleDecay arms the decay timer for key unless one is already pending.
// Caller must hold m.mu.
func (m *Manager) scheduleDecay(key models.Key) {
	if _, ok := m.decays[key]; ok {
		return
	}
	d := &decayTask{}
	m.decays[key] = d
	d.task = m.clock.AfterFunc(m.decay, func() { m.fireDecay(key, d) })
	m.logger.Debug("decay scheduled", "key", key.String(), "after", m.decay)
}

// cancelDecay stops a pending decay. Caller must hold m.mu.
func (m *Manager) cancelDecay(key models.Key) {
	d, ok := m.decays[key]
	if !ok {
		return
	}
	delete(m.decays, key)
	if d.task != nil {
		d.task.Stop()
	}
}

func (m *Manager) fireDecay(key models.Key, d *decayTask) {
	m.mu.Lock()
	if m.closed || m.decays[key] != d {
		m.mu.Unlock()
		return
	}
	delete(m.decays, key)
	m.mu.Unlock()

	m.logger.Debug("decay fired", "key", key.String())
	m.stats.Inc(metrics.CounterDecays)
	m.sink(events.Evict{Key: key})
}

// =============================================================================
// CHANNELS
// =============================================================================

type channel struct {
	key    models.Key
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stream transport.Stream
	done   bool

	closeOnce sync.Once
	doneOnce  sync.Once
}

// attach binds the dialed stream; false means the channel was closed meanwhile.
func (c *channel) attach(s transport.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.stream = s
	return true
}

// open starts the reader goroutine for key. Caller must hold m.mu.
func (m *Manager) open(key models.Key) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channel{key: key, ctx: ctx, cancel: cancel}
	m.channels[key] = ch
	m.stats.Inc(metrics.CounterChannelsOpened)
	m.logger.Debug("channel opening", "key", key.String())

	m.wg.Add(1)
	go m.read(ch)
}

// closeChannel releases the channel's transport. Safe from any goroutine,
// including the channel's own reader.
func (m *Manager) closeChannel(ch *channel) {
	ch.closeOnce.Do(func() {
		ch.cancel()
		ch.mu.Lock()
		ch.done = true
		s := ch.stream
		ch.mu.Unlock()
		if s != nil {
			if err := s.Close(); err != nil {
				m.logger.Debug("close stream", "key", ch.key.String(), "error", err)
			}
		}
		m.stats.Inc(metrics.CounterChannelsClosed)
		m.logger.Debug("channel closed", "key", ch.key.String())
		if m.onClosed != nil {
			m.onClosed(ch.key)
		}
	})
}

// detach removes ch from the channel table if it is still the current one.
func (m *Manager) detach(ch *channel) {
	m.mu.Lock()
	if m.channels[ch.key] == ch {
		delete(m.channels, ch.key)
	}
	m.mu.Unlock()
	m.closeChannel(ch)
}

func (m *Manager) read(ch *channel) {
	defer m.wg.Done()
	defer m.detach(ch)

	s, err := m.dialer.Dial(ch.ctx, ch.key)
	if err != nil {
		if ch.ctx.Err() == nil {
			m.stats.Inc(metrics.CounterTransportErrors)
			m.logger.Warn("channel open failed", "key", ch.key.String(), "error", err)
		}
		return
	}
	if !ch.attach(s) {
		_ = s.Close()
		return
	}

	for {
		frame, err := s.Recv()
		if err != nil {
			switch {
			case ch.ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
			case errors.Is(err, io.EOF):
				m.logger.Debug("channel ended by server", "key", ch.key.String())
			default:
				m.stats.Inc(metrics.CounterTransportErrors)
				m.logger.Warn("channel failed", "key", ch.key.String(), "error", err)
			}
			return
		}

		ev, err := events.Decode(ch.key, frame.Name, frame.Data)
		if err != nil {
			m.stats.Inc(metrics.CounterDecodeErrors)
			m.logger.Warn("dropping malformed event", "key", ch.key.String(), "error", err)
			continue
		}
		m.sink(ev)

		if isDone(ev) {
			ch.doneOnce.Do(func() {
				m.stats.Inc(metrics.CounterStreamsDone)
				if m.onDone != nil {
					m.onDone(ch.key)
				}
			})
		}
	}
}

func isDone(ev events.Event) bool {
	chat, ok := ev.(events.ChatMessage)
	return ok && chat.Message.IsDone()
}
