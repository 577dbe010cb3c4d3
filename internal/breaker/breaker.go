// Package breaker implements the classic outbound-call circuit breaker:
// CLOSED -> OPEN on a sliding failure-rate window, OPEN -> HALF-OPEN after
// a cooldown, HALF-OPEN -> CLOSED on a trial success or back to OPEN on a
// trial failure. One instance protects each outbound endpoint (orders,
// positions, quotes), in the same manager/mutex idiom
// risk/circuit_breaker.go uses for its (differently-scoped) breakers;
// state transitions are logged through the logging package.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/epic1st/fno-core/logging"
)

// State is one of the three classic breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned by Allow when the breaker is open (or a half-open
// trial slot is already taken).
var ErrOpen = errors.New("breaker: open")

// Config governs one breaker's trip/reset behavior.
type Config struct {
	FailureThreshold float64       // fraction of failures in the window that trips the breaker
	MinSamples       int           // minimum calls observed before the threshold applies
	ErrorRateWindow  time.Duration // sliding window length
	Cooldown         time.Duration // time OPEN before trying HALF_OPEN
}

// DefaultConfig mirrors the spec defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		MinSamples:       20,
		ErrorRateWindow:  30 * time.Second,
		Cooldown:         60 * time.Second,
	}
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker protects one outbound endpoint.
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	samples      []sample
	openedAt     time.Time
	halfOpenBusy bool
}

// New builds a breaker named for the endpoint it protects (used in logs
// and metrics).
func New(name string, cfg Config) *Breaker {
	if cfg.ErrorRateWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. In HALF_OPEN, only the first
// caller after cooldown gets a trial slot; everyone else is failed fast.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.halfOpenBusy = true
		logging.Info("breaker: OPEN -> HALF_OPEN after cooldown", logging.String("breaker", b.name), logging.Component("breaker"))
		return nil
	case HalfOpen:
		if b.halfOpenBusy {
			return ErrOpen
		}
		b.halfOpenBusy = true
		return nil
	default:
		return nil
	}
}

// Report records the outcome of a call previously allowed by Allow.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == HalfOpen {
		b.halfOpenBusy = false
		if success {
			b.state = Closed
			b.samples = nil
			logging.Info("breaker: HALF_OPEN -> CLOSED (trial succeeded)", logging.String("breaker", b.name), logging.Component("breaker"))
		} else {
			b.trip(now)
		}
		return
	}

	b.samples = append(b.samples, sample{at: now, success: success})
	b.prune(now)

	if b.state == Closed && b.shouldTrip() {
		b.trip(now)
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.ErrorRateWindow)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	b.samples = b.samples[i:]
}

func (b *Breaker) shouldTrip() bool {
	if len(b.samples) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures)/float64(len(b.samples)) >= b.cfg.FailureThreshold
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.halfOpenBusy = false
	b.samples = nil
	logging.Warn("breaker: tripped OPEN", logging.String("breaker", b.name), logging.Component("breaker"))
	logging.TrackError(context.Background(), ErrOpen, "medium", map[string]interface{}{"breaker": b.name})
}

// Manager owns one breaker per named endpoint.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager builds a Manager; every breaker it creates uses cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), cfg: cfg}
}

// GetOrCreate returns the named breaker, creating it with the manager's
// default config on first use.
func (m *Manager) GetOrCreate(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, m.cfg)
	m.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's current state, keyed by
// name — for the /healthz breaker check, so an OPEN downstream shows up
// without the caller needing to know every endpoint name in advance.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}

// Call runs fn if the named breaker allows it, reporting the outcome back.
func (m *Manager) Call(name string, fn func() error) error {
	b := m.GetOrCreate(name)
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Report(err == nil)
	return err
}
