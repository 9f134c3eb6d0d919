/*
Copyright 2026 FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package circuitbreaker provides per-endpoint circuit isolation for the
// platform client (spec §4.6f). One gobreaker.CircuitBreaker is created
// lazily per name so that a tripped breaker for "artifacts" does not
// starve calls against "check-runs" sharing the same installation token.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// StateObserver is notified whenever a named breaker transitions state.
// The platform client uses it to drive Prometheus gauges.
type StateObserver func(name string, from, to gobreaker.State)

// DefaultSuccessRatioToClose is used when a Manager is built with a
// non-positive ratio. Vanilla gobreaker's "every half-open trial must
// succeed" rule is stricter than this: here 2 of every 4 trials
// succeeding is enough to close.
const DefaultSuccessRatioToClose = 0.5

// halfOpenProbe accumulates trial outcomes for one breaker's current
// half-open generation, so Manager can decide to close on a success
// ratio instead of gobreaker's built-in "all trials must succeed" rule.
type halfOpenProbe struct {
	attempts  int
	successes int
}

// Manager owns one gobreaker.TwoStepCircuitBreaker per endpoint name,
// all sharing the same Settings template (MaxRequests, Interval,
// Timeout, ReadyToTrip) except for Name, which is filled in per
// breaker. The two-step form lets Manager decide what outcome to report
// for a half-open trial rather than letting gobreaker's own stricter
// closing rule apply directly.
type Manager struct {
	mu                  sync.Mutex
	template            gobreaker.Settings
	successRatioToClose float64
	breakers            map[string]*gobreaker.TwoStepCircuitBreaker
	probes              map[string]*halfOpenProbe
	observer            StateObserver
}

// NewManager builds a Manager from a settings template and the success
// ratio a half-open breaker needs across its trial window
// (settings.MaxRequests calls) to close rather than reopen. A
// non-positive ratio falls back to DefaultSuccessRatioToClose. The
// template's Name field is ignored; OnStateChange, if set, is chained
// after the Manager's own observer so both fire.
func NewManager(template gobreaker.Settings, successRatioToClose float64) *Manager {
	if successRatioToClose <= 0 {
		successRatioToClose = DefaultSuccessRatioToClose
	}
	return &Manager{
		template:            template,
		successRatioToClose: successRatioToClose,
		breakers:            make(map[string]*gobreaker.TwoStepCircuitBreaker),
		probes:              make(map[string]*halfOpenProbe),
	}
}

// Observe registers a callback invoked on every state transition across
// every named breaker this Manager owns.
func (m *Manager) Observe(fn StateObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

func (m *Manager) breakerFor(name string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}

	settings := m.template
	settings.Name = name
	userOnChange := settings.OnStateChange
	settings.OnStateChange = func(n string, from, to gobreaker.State) {
		if to == gobreaker.StateHalfOpen {
			m.mu.Lock()
			m.probes[n] = &halfOpenProbe{}
			m.mu.Unlock()
		}
		if userOnChange != nil {
			userOnChange(n, from, to)
		}
		if m.observer != nil {
			m.observer(n, from, to)
		}
	}

	b := gobreaker.NewTwoStepCircuitBreaker(settings)
	m.breakers[name] = b
	return b
}

// Execute runs fn through the named breaker, tripping it on repeated
// failures per the Manager's ReadyToTrip policy. While the breaker is
// half-open, Execute withholds fn's individual outcome from gobreaker
// until the trial window (MaxRequests calls) completes, then reports a
// single success or failure for the whole window based on whether the
// observed success ratio met successRatioToClose — so one flaky probe
// mid-window doesn't reopen a breaker that is otherwise recovering. ctx
// is accepted for call-site symmetry with the rest of the client even
// though gobreaker itself is not context-aware.
func (m *Manager) Execute(_ context.Context, name string, fn func() (any, error)) (any, error) {
	cb := m.breakerFor(name)
	done, err := cb.Allow()
	if err != nil {
		return nil, err
	}

	result, fnErr := fn()
	success := fnErr == nil
	report := success

	if cb.State() == gobreaker.StateHalfOpen {
		report = m.reportForHalfOpenTrial(name, success)
	}
	done(report)

	if fnErr != nil {
		return nil, fnErr
	}
	return result, nil
}

func (m *Manager) reportForHalfOpenTrial(name string, success bool) bool {
	trialSize := int(m.template.MaxRequests)
	if trialSize <= 0 {
		trialSize = 1
	}

	m.mu.Lock()
	probe, ok := m.probes[name]
	if !ok {
		probe = &halfOpenProbe{}
		m.probes[name] = probe
	}
	probe.attempts++
	if success {
		probe.successes++
	}
	attempts, successes := probe.attempts, probe.successes
	m.mu.Unlock()

	if attempts < trialSize {
		return true
	}
	return float64(successes)/float64(attempts) >= m.successRatioToClose
}

// State reports the current state of the named breaker without
// executing anything, creating it (closed) if it does not yet exist.
func (m *Manager) State(name string) gobreaker.State {
	return m.breakerFor(name).State()
}

// Counts returns the rolling counts gobreaker maintains for the named
// breaker, useful for health endpoints (spec §6 GET /health/detailed).
func (m *Manager) Counts(name string) gobreaker.Counts {
	return m.breakerFor(name).Counts()
}

// Snapshot reports the current state of every breaker this Manager has
// created so far, keyed by endpoint name, for health endpoints (spec §6
// GET /health/detailed).
func (m *Manager) Snapshot() map[string]gobreaker.State {
	// State() can fire OnStateChange, which takes m.mu, so the breakers
	// are copied out first and queried without holding the lock.
	m.mu.Lock()
	breakers := make(map[string]*gobreaker.TwoStepCircuitBreaker, len(m.breakers))
	for name, b := range m.breakers {
		breakers[name] = b
	}
	m.mu.Unlock()
	out := make(map[string]gobreaker.State, len(breakers))
	for name, b := range breakers {
		out[name] = b.State()
	}
	return out
}

// DefaultSettings returns the default circuit-breaker tuning: trip after
// 5 consecutive failures, stay open 30s before probing half-open, allow
// 1 trial request while half-open.
func DefaultSettings() gobreaker.Settings {
	return gobreaker.Settings{
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}
