// Package consciousness tracks the runtime state of the processing core and
// derives awareness, coherence and stability from recent decisions.
package consciousness

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"guardian/internal/eventbus"
)

type State string

const (
	StateDormant    State = "dormant"
	StateAware      State = "aware"
	StateReflective State = "reflective"
	StateSuspended  State = "suspended"
)

var (
	ErrQueueFull    = errors.New("observation queue full")
	ErrNotRunning   = errors.New("engine not running")
	ErrRunning      = errors.New("engine already running")
	ErrNotSuspended = errors.New("engine not suspended")
)

// Observation is one processed request fed back into the engine.
type Observation struct {
	DriftScore float64
	Blocked    bool
	// Critical marks a block caused by critical drift or a blocking safety finding.
	Critical bool
}

type Metrics struct {
	Awareness float64   `json:"awareness"`
	Coherence float64   `json:"coherence"`
	Stability float64   `json:"stability"`
	Processed int64     `json:"processed"`
	Blocked   int64     `json:"blocked"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition describes a state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Config struct {
	QueueSize           int
	Window              int
	ReflectiveThreshold float64
	SuspendOnCritical   bool
}

// Engine owns one worker goroutine that consumes observations.
type Engine struct {
	cfg Config
	bus eventbus.Publisher
	now func() time.Time

	mu      sync.RWMutex
	state   State
	metrics Metrics
	drift   []float64
	blocked []bool
	next    int
	filled  int
	running bool
	hooks   []func(Transition)

	queue  chan Observation
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, bus eventbus.Publisher) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Window <= 0 {
		cfg.Window = 50
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Engine{
		cfg:     cfg,
		bus:     bus,
		now:     time.Now,
		state:   StateDormant,
		metrics: Metrics{Awareness: 1, Coherence: 1, Stability: 1},
		drift:   make([]float64, cfg.Window),
		blocked: make([]bool, cfg.Window),
		queue:   make(chan Observation, cfg.QueueSize),
	}
}

// OnTransition registers fn to be called after every state change. Register
// hooks before Start.
func (e *Engine) OnTransition(fn func(Transition)) {
	e.mu.Lock()
	e.hooks = append(e.hooks, fn)
	e.mu.Unlock()
}

// Start moves the engine from dormant to aware and starts the worker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	t := e.setState(StateAware, "engine started")
	e.mu.Unlock()

	e.emit(t)
	go e.loop(ctx)
	return nil
}

// Stop stops accepting observations, processes what is already queued and
// waits for the worker to exit. The engine returns to dormant.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done

	e.mu.Lock()
	t := e.setState(StateDormant, "engine stopped")
	e.mu.Unlock()
	e.emit(t)
}

// Submit queues an observation without blocking.
func (e *Engine) Submit(obs Observation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return ErrNotRunning
	}
	select {
	case e.queue <- obs:
		return nil
	default:
		return ErrQueueFull
	}
}

// Resume leaves the suspended state.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != StateSuspended {
		e.mu.Unlock()
		return ErrNotSuspended
	}
	t := e.setState(StateAware, "resumed by operator")
	e.mu.Unlock()
	e.emit(t)
	return nil
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

// Suspended reports whether new requests must be refused.
func (e *Engine) Suspended() bool {
	return e.State() == StateSuspended
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case obs := <-e.queue:
			e.observe(obs)
		case <-ctx.Done():
			for {
				select {
				case obs := <-e.queue:
					e.observe(obs)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) observe(obs Observation) {
	e.mu.Lock()
	e.drift[e.next] = clamp01(obs.DriftScore)
	e.blocked[e.next] = obs.Blocked
	e.next = (e.next + 1) % len(e.drift)
	if e.filled < len(e.drift) {
		e.filled++
	}
	e.metrics.Processed++
	if obs.Blocked {
		e.metrics.Blocked++
	}
	e.recompute()

	var t *Transition
	switch {
	case e.state == StateSuspended || e.state == StateDormant:
	case obs.Critical && obs.Blocked && e.cfg.SuspendOnCritical:
		t = e.setState(StateSuspended, "critical block")
	case e.state == StateAware && e.metrics.Coherence < e.cfg.ReflectiveThreshold:
		t = e.setState(StateReflective, "coherence below threshold")
	case e.state == StateReflective && e.metrics.Coherence >= e.cfg.ReflectiveThreshold:
		t = e.setState(StateAware, "coherence recovered")
	}
	e.mu.Unlock()
	e.emit(t)
}

// recompute derives metrics from the window. Caller holds e.mu.
func (e *Engine) recompute() {
	var sum float64
	notBlocked := 0
	for i := 0; i < e.filled; i++ {
		sum += e.drift[i]
		if !e.blocked[i] {
			notBlocked++
		}
	}
	n := float64(e.filled)
	mean := sum / n
	var variance float64
	for i := 0; i < e.filled; i++ {
		d := e.drift[i] - mean
		variance += d * d
	}
	variance /= n

	e.metrics.Coherence = clamp01(1 - mean)
	e.metrics.Stability = clamp01(1 - math.Sqrt(variance))
	e.metrics.Awareness = float64(notBlocked) / n
	e.metrics.UpdatedAt = e.now().UTC()
}

// setState changes state and returns the transition, or nil when unchanged.
// Caller holds e.mu.
func (e *Engine) setState(to State, reason string) *Transition {
	if e.state == to {
		return nil
	}
	t := &Transition{From: e.state, To: to, Reason: reason, At: e.now().UTC()}
	e.state = to
	return t
}

func (e *Engine) emit(t *Transition) {
	if t == nil {
		return
	}
	log.Info().Str("component", "consciousness").Str("from", string(t.From)).Str("to", string(t.To)).
		Str("reason", t.Reason).Msg("state transition")

	e.mu.RLock()
	hooks := append([]func(Transition){}, e.hooks...)
	e.mu.RUnlock()
	for _, h := range hooks {
		h(*t)
	}

	evt := eventbus.New("guardian.consciousness", eventbus.TypeState, eventbus.EventContext{},
		map[string]any{"from": t.From, "to": t.To, "reason": t.Reason})
	if err := e.bus.Publish(context.Background(), evt); err != nil {
		log.Warn().Err(err).Str("component", "consciousness").Msg("failed to publish state event")
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
