// Package sched provides cancellable delayed tasks behind a clock interface,
// so timers can run on wall-clock time in production and on virtual time in tests.
package sched

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Task is a scheduled function that can be cancelled before it runs.
type Task interface {
	// Stop cancels the task. It returns false if the task already ran or was stopped.
	Stop() bool
}

// Scheduler schedules delayed tasks and reports the current time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

// Real schedules on wall-clock time via time.AfterFunc.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc runs f in its own goroutine after d.
func (Real) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// Manual is a virtual clock. Tasks run only when Advance moves time past them,
// synchronously on the caller's goroutine, in due-time order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int64
	tasks []*manualTask
}

type manualTask struct {
	m       *Manual
	due     time.Time
	seq     int64
	f       func()
	stopped bool
	fired   bool
}

// NewManual creates a virtual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once virtual time reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTask{m: m, due: m.now.Add(d), seq: m.seq, f: f}
	m.tasks = append(m.tasks, t)
	return t
}

func (t *manualTask) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves virtual time forward by d and runs every task that became due.
// Tasks scheduled by running tasks are honoured if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.fired = true
		if next.due.After(m.now) {
			m.now = next.due
		}
		m.mu.Unlock()

		next.f()
	}
}

// nextDue pops the earliest live task due at or before target. Caller holds mu.
func (m *Manual) nextDue(target time.Time) *manualTask {
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.tasks = live
	if len(m.tasks) == 0 {
		return nil
	}

	slices.SortFunc(m.tasks, func(a, b *manualTask) int {
		return cmp.Or(a.due.Compare(b.due), cmp.Compare(a.seq, b.seq))
	})
	if m.tasks[0].due.After(target) {
		return nil
	}
	return m.tasks[0]
}

// Pending returns the number of tasks that have neither run nor been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
