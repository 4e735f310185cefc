// Package poll drives background condition checks: periodic re-evaluation
// with a minimum inter-check interval per monitored entity, an immediate
// check on app foreground, and a one-shot side effect per state transition.
package poll

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetlink.org/internal/ids"
	"fleetlink.org/internal/obs"
)

const (
	defaultInterval    = 30 * time.Second
	defaultMinInterval = 10 * time.Second
)

// CheckFunc evaluates the monitored condition for one entity. It reports
// whether the condition holds and an opaque payload describing it.
type CheckFunc func(ctx context.Context, entity string) (present bool, payload json.RawMessage, err error)

// State is the observable poll state for one entity.
type State struct {
	TicketID      string
	HasCondition  bool
	Payload       json.RawMessage
	LastCheckedAt time.Time
	IsChecking    bool
	Err           string
}

type entityState struct {
	State
	limiter *rate.Limiter
	fired   bool
	cancel  context.CancelFunc
}

// Monitor owns the poll state for any number of independent entities.
type Monitor struct {
	mu          sync.Mutex
	check       CheckFunc
	interval    time.Duration
	minInterval time.Duration
	now         func() time.Time
	onPresent   func(entity string, payload json.RawMessage)
	onCleared   func(entity string)
	states      map[string]*entityState
}

// Option configures Monitor construction.
type Option func(*Monitor)

// WithInterval sets the recurring check cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMinInterval sets the minimum spacing between checks per entity.
func WithMinInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.minInterval = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithOnPresent installs the one-shot side effect fired when the condition
// appears.
func WithOnPresent(fn func(entity string, payload json.RawMessage)) Option {
	return func(m *Monitor) { m.onPresent = fn }
}

// WithOnCleared installs the callback fired when the condition clears.
func WithOnCleared(fn func(entity string)) Option {
	return func(m *Monitor) { m.onCleared = fn }
}

// NewMonitor constructs a monitor around the given check.
func NewMonitor(check CheckFunc, opts ...Option) *Monitor {
	m := &Monitor{
		check:       check,
		interval:    defaultInterval,
		minInterval: defaultMinInterval,
		now:         time.Now,
		states:      make(map[string]*entityState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) ensureLocked(entity string) *entityState {
	st, ok := m.states[entity]
	if !ok {
		limit := rate.Inf
		if m.minInterval > 0 {
			limit = rate.Every(m.minInterval)
		}
		st = &entityState{
			State:   State{TicketID: ids.New()},
			limiter: rate.NewLimiter(limit, 1),
		}
		m.states[entity] = st
	}
	return st
}

// State returns a copy of the entity's poll state.
func (m *Monitor) State(entity string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[entity]
	if !ok {
		return State{}
	}
	out := st.State
	out.Payload = append(json.RawMessage(nil), st.Payload...)
	return out
}

// Check runs one condition check. It is idempotent and safe to call from the
// timer path and the foreground path alike: a check already in flight or one
// attempted inside the minimum interval is a no-op.
func (m *Monitor) Check(ctx context.Context, entity string) error {
	m.mu.Lock()
	st := m.ensureLocked(entity)
	if st.IsChecking {
		m.mu.Unlock()
		obs.PollCheck("busy")
		return nil
	}
	if !st.limiter.AllowN(m.now(), 1) {
		m.mu.Unlock()
		obs.PollCheck("throttled")
		return nil
	}
	st.IsChecking = true
	m.mu.Unlock()

	present, payload, err := m.check(ctx, entity)

	m.mu.Lock()
	st.IsChecking = false
	st.LastCheckedAt = m.now()

	if err != nil {
		// A transient failure must not clear a known-present condition.
		st.Err = err.Error()
		m.mu.Unlock()
		obs.PollCheck("error")
		return err
	}
	st.Err = ""

	var firePresent func(string, json.RawMessage)
	var fireCleared func(string)
	var stop context.CancelFunc
	switch {
	case present:
		st.HasCondition = true
		st.Payload = append(json.RawMessage(nil), payload...)
		if !st.fired {
			st.fired = true
			firePresent = m.onPresent
		}
	case st.HasCondition:
		// Natural completion: reset state and cancel the owned timer.
		st.HasCondition = false
		st.Payload = nil
		st.fired = false
		fireCleared = m.onCleared
		stop = st.cancel
		st.cancel = nil
	}
	payloadCopy := append(json.RawMessage(nil), st.Payload...)
	m.mu.Unlock()

	obs.PollCheck("ok")
	if stop != nil {
		stop()
	}
	if firePresent != nil {
		firePresent(entity, payloadCopy)
	}
	if fireCleared != nil {
		fireCleared(entity)
	}
	return nil
}

// Clear explicitly resets the entity's state, fires the cleared callback and
// cancels the owned timer. The one-shot side effect is re-armed.
func (m *Monitor) Clear(entity string) {
	m.mu.Lock()
	st, ok := m.states[entity]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasPresent := st.HasCondition
	st.HasCondition = false
	st.Payload = nil
	st.fired = false
	st.Err = ""
	stop := st.cancel
	st.cancel = nil
	fire := m.onCleared
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if wasPresent && fire != nil {
		fire(entity)
	}
}

// Start launches the recurring check loop for the entity: one immediate
// check, then one per interval until the context is cancelled or the
// condition completes. Starting an already-active entity is a no-op.
func (m *Monitor) Start(ctx context.Context, entity string) {
	m.mu.Lock()
	st := m.ensureLocked(entity)
	if st.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	m.mu.Unlock()

	go m.run(loopCtx, entity)
}

func (m *Monitor) run(ctx context.Context, entity string) {
	if err := m.Check(ctx, entity); err != nil {
		obs.Warn("poll", "check failed", map[string]any{"entity": entity, "error": err.Error()})
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx, entity); err != nil {
				obs.Warn("poll", "check failed", map[string]any{"entity": entity, "error": err.Error()})
			}
		}
	}
}

// Stop cancels the entity's loop if one is running. Idempotent.
func (m *Monitor) Stop(entity string) {
	m.mu.Lock()
	st, ok := m.states[entity]
	var stop context.CancelFunc
	if ok {
		stop = st.cancel
		st.cancel = nil
	}
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// StopAll cancels every running loop; used on teardown so no background work
// outlives the owner.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	var stops []context.CancelFunc
	for _, st := range m.states {
		if st.cancel != nil {
			stops = append(stops, st.cancel)
			st.cancel = nil
		}
	}
	m.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// Foreground triggers an immediate check of every active entity; the
// minimum-interval guard still applies.
func (m *Monitor) Foreground(ctx context.Context) {
	m.mu.Lock()
	var entities []string
	for entity, st := range m.states {
		if st.cancel != nil {
			entities = append(entities, entity)
		}
	}
	m.mu.Unlock()

	for _, entity := range entities {
		if err := m.Check(ctx, entity); err != nil {
			obs.Warn("poll", "foreground check failed", map[string]any{"entity": entity, "error": err.Error()})
		}
	}
}
