// Package circuitbreaker tracks per-provider failure state with a
// Closed/Open transition table, cooldown windows independent of that
// state, and a broadcast of every transition for UI consumption.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/pkg/eventbus"
)

// entry holds the mutable state for one provider's circuit. Every mutating
// method takes mu; callers recover a panic in the critical section rather
// than let it escape and take every other in-flight request's breaker
// access down with it (Go mutexes don't poison, so this recover is the
// idiomatic stand-in for the original's poisoned-lock recovery).
type entry struct {
	mu             sync.Mutex
	state          domain.CircuitState
	failureCount   int
	openUntil      int64
	cooldownUntil  int64
	lastTransition int64
}

// Breaker is the per-provider circuit table. The zero value is not usable;
// construct with New.
type Breaker struct {
	entries          sync.Map // int64 -> *entry
	events           *eventbus.EventBus[domain.Transition]
	failureThreshold int
	openWindow       time.Duration
}

// Option configures a Breaker at construction time.
type Option func(*Breaker)

// WithFailureThreshold overrides the default failure count that trips the
// breaker open.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithOpenWindow overrides the default Open-state duration.
func WithOpenWindow(d time.Duration) Option {
	return func(b *Breaker) { b.openWindow = d }
}

// New constructs a Breaker. The returned events bus should be subscribed to
// by a circuit-emitter goroutine before request traffic starts.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: constants.DefaultFailureThreshold,
		openWindow:       constants.DefaultOpenWindow,
		events:           eventbus.New[domain.Transition](),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Events exposes the transition bus for subscription by an emitter task.
func (b *Breaker) Events() *eventbus.EventBus[domain.Transition] {
	return b.events
}

func (b *Breaker) loadOrCreate(providerID int64) *entry {
	actual, _ := b.entries.LoadOrStore(providerID, &entry{})
	return actual.(*entry)
}

func (b *Breaker) load(providerID int64) (*entry, bool) {
	actual, ok := b.entries.Load(providerID)
	if !ok {
		return nil, false
	}
	return actual.(*entry), true
}

func (b *Breaker) withRecover(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			// A panic mid-critical-section leaves this entry's state
			// possibly inconsistent; continuing best-effort beats
			// taking the whole gateway down over one provider's entry.
			_ = r
		}
	}()
	fn()
}

// RecordFailure increments the failure counter for providerID and trips the
// breaker Open once the threshold is reached.
func (b *Breaker) RecordFailure(providerID int64, now time.Time) {
	e := b.loadOrCreate(providerID)
	var transitioned bool
	b.withRecover(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		e.failureCount++
		if e.failureCount >= b.failureThreshold && e.state != domain.CircuitOpen {
			e.state = domain.CircuitOpen
			e.openUntil = now.Add(b.openWindow).Unix()
			e.lastTransition = now.Unix()
			transitioned = true
		}
	})
	if transitioned {
		b.emit(providerID, domain.CircuitClosed, domain.CircuitOpen, now)
	}
}

// RecordSuccess zeroes the failure counter and closes the circuit if it was
// open.
func (b *Breaker) RecordSuccess(providerID int64, now time.Time) {
	e := b.loadOrCreate(providerID)
	var transitioned bool
	b.withRecover(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		wasOpen := e.state == domain.CircuitOpen
		e.failureCount = 0
		e.state = domain.CircuitClosed
		e.openUntil = 0
		if wasOpen {
			e.lastTransition = now.Unix()
			transitioned = true
		}
	})
	if transitioned {
		b.emit(providerID, domain.CircuitOpen, domain.CircuitClosed, now)
	}
}

// ShouldAllow reports whether a request may be sent to providerID right
// now, transparently performing the Open -> Closed expiry transition when
// the open window has elapsed.
func (b *Breaker) ShouldAllow(providerID int64, now time.Time) (allow bool, openUntil int64, cooldownUntil int64) {
	e, ok := b.load(providerID)
	if !ok {
		return true, 0, 0
	}

	var transitioned bool
	b.withRecover(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.state == domain.CircuitOpen {
			if now.Unix() >= e.openUntil {
				e.state = domain.CircuitClosed
				e.failureCount = 0
				e.openUntil = 0
				e.lastTransition = now.Unix()
				transitioned = true
				allow = true
			} else {
				allow = false
				openUntil = e.openUntil
			}
		} else {
			allow = true
		}
		cooldownUntil = e.cooldownUntil
	})
	if transitioned {
		b.emit(providerID, domain.CircuitOpen, domain.CircuitClosed, now)
	}
	if cooldownUntil > now.Unix() {
		allow = false
	}
	return allow, openUntil, cooldownUntil
}

// Snapshot returns a detached read of providerID's circuit entry,
// performing the same transparent expiry ShouldAllow does.
func (b *Breaker) Snapshot(providerID int64, now time.Time) domain.CircuitSnapshot {
	allow, openUntil, cooldownUntil := b.ShouldAllow(providerID, now)
	e, ok := b.load(providerID)
	if !ok {
		return domain.CircuitSnapshot{State: domain.CircuitClosed}
	}

	var snap domain.CircuitSnapshot
	b.withRecover(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		snap = domain.CircuitSnapshot{
			State:          e.state,
			FailureCount:   e.failureCount,
			OpenUntilUnix:  openUntil,
			CooldownUntil:  cooldownUntil,
			LastTransition: e.lastTransition,
		}
	})
	_ = allow
	return snap
}

// TriggerCooldown suppresses selection of providerID until now+seconds
// without touching the Closed/Open state machine.
func (b *Breaker) TriggerCooldown(providerID int64, now time.Time, seconds int64) {
	e := b.loadOrCreate(providerID)
	b.withRecover(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.cooldownUntil = now.Unix() + seconds
	})
}

// Reset clears all state for providerID as if it had never failed.
func (b *Breaker) Reset(providerID int64) {
	e, ok := b.load(providerID)
	if !ok {
		return
	}
	b.withRecover(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.state = domain.CircuitClosed
		e.failureCount = 0
		e.openUntil = 0
		e.cooldownUntil = 0
	})
}

func (b *Breaker) emit(providerID int64, from, to domain.CircuitState, now time.Time) {
	b.events.PublishAsync(domain.Transition{
		ProviderID: providerID,
		From:       from,
		To:         to,
		AtUnix:     now.Unix(),
	})
}
