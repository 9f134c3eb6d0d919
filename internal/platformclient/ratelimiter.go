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

package platformclient

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flakeguard/flakeguard/internal/broker"
)

// RateLimiterSettings tunes the reserved-floor and proactive-throttle
// behavior layered on top of the primary token bucket (spec §4.6c).
type RateLimiterSettings struct {
	// ReservedFloorPct of the platform's advertised limit is withheld
	// from anything but broker.PriorityCritical traffic.
	ReservedFloorPct float64
	// ThrottleThresholdPct is the remaining/limit ratio below which
	// every request (critical included) picks up a proactive delay.
	ThrottleThresholdPct float64
	MaxThrottleDelay     time.Duration
}

// DefaultRateLimiterSettings mirrors the platform's documented secondary
// rate limit guidance: keep 10% of budget in reserve, start throttling
// once remaining budget drops below 20%.
func DefaultRateLimiterSettings() RateLimiterSettings {
	return RateLimiterSettings{
		ReservedFloorPct:     0.10,
		ThrottleThresholdPct: 0.20,
		MaxThrottleDelay:     60 * time.Second,
	}
}

// RateLimiter composes the outbound throttles described in spec §4.6b/c:
// a primary token bucket reconstructed from the platform's rate-limit
// response headers, a secondary cooldown gate set by an explicit
// Retry-After on a 403/429 "secondary rate limit" response, a reserved
// floor that only critical-priority traffic may dip into, and a
// proactive throttle that slows every caller down as the budget runs
// low rather than waiting for it to hit zero.
type RateLimiter struct {
	mu        sync.Mutex
	primary   *rate.Limiter
	secondary time.Time // zero when no cooldown is in effect
	settings  RateLimiterSettings

	limit     int
	remaining int
	resetAt   time.Time // zero until the first ObserveHeaders call

	now func() time.Time
}

// NewRateLimiter seeds the primary bucket with a permissive starting
// rate; it is narrowed down to the platform's advertised budget the
// first time response headers are observed.
func NewRateLimiter(settings RateLimiterSettings) *RateLimiter {
	defaults := DefaultRateLimiterSettings()
	if settings.ReservedFloorPct == 0 {
		settings.ReservedFloorPct = defaults.ReservedFloorPct
	}
	if settings.ThrottleThresholdPct == 0 {
		settings.ThrottleThresholdPct = defaults.ThrottleThresholdPct
	}
	if settings.MaxThrottleDelay == 0 {
		settings.MaxThrottleDelay = defaults.MaxThrottleDelay
	}
	return &RateLimiter{
		primary:  rate.NewLimiter(rate.Limit(50), 50),
		settings: settings,
		now:      time.Now,
	}
}

// Wait blocks until the secondary cooldown has elapsed, the reserved
// floor admits priority's traffic, any proactive throttle delay has
// passed, and the primary bucket has a token free — or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context, priority broker.Priority) error {
	if err := l.waitSecondary(ctx); err != nil {
		return err
	}
	if err := l.waitFloor(ctx, priority); err != nil {
		return err
	}
	if err := l.waitThrottle(ctx); err != nil {
		return err
	}
	return l.primary.Wait(ctx)
}

// waitFloor blocks non-critical traffic until the reserved floor's
// budget is no longer exhausted. Critical traffic is exempt, since the
// floor exists precisely to keep it moving while everything else backs
// off.
func (l *RateLimiter) waitFloor(ctx context.Context, priority broker.Priority) error {
	if priority == broker.PriorityCritical {
		return nil
	}

	l.mu.Lock()
	limit, remaining, resetAt := l.limit, l.remaining, l.resetAt
	l.mu.Unlock()
	if limit <= 0 {
		return nil
	}

	floor := int(float64(limit) * l.settings.ReservedFloorPct)
	if remaining > floor {
		return nil
	}
	return l.sleepUntil(ctx, resetAt)
}

// waitThrottle adds a delay, proportional to how close the budget is to
// exhaustion, once remaining capacity drops below ThrottleThresholdPct.
// The delay scales with seconds-until-reset so a caller arriving right
// before a reset waits briefly, while one arriving right after a reset
// waits closer to the full throttle delay.
func (l *RateLimiter) waitThrottle(ctx context.Context) error {
	l.mu.Lock()
	limit, remaining, resetAt := l.limit, l.remaining, l.resetAt
	l.mu.Unlock()
	if limit <= 0 {
		return nil
	}

	ratio := float64(remaining) / float64(limit)
	if ratio >= l.settings.ThrottleThresholdPct {
		return nil
	}

	secondsUntilReset := resetAt.Sub(l.now()).Seconds()
	if secondsUntilReset <= 0 {
		return nil
	}
	delay := time.Duration(secondsUntilReset*(1-ratio)) * time.Second
	if delay > l.settings.MaxThrottleDelay {
		delay = l.settings.MaxThrottleDelay
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *RateLimiter) sleepUntil(ctx context.Context, until time.Time) error {
	if until.IsZero() {
		return nil
	}
	d := until.Sub(l.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *RateLimiter) waitSecondary(ctx context.Context) error {
	l.mu.Lock()
	until := l.secondary
	l.mu.Unlock()
	return l.sleepUntil(ctx, until)
}

// ObserveHeaders reconstructs the primary bucket's remaining budget from
// standard rate-limit response headers (X-RateLimit-Limit,
// X-RateLimit-Remaining, X-RateLimit-Reset), per spec §4.6b.
func (l *RateLimiter) ObserveHeaders(h http.Header) {
	limit, okLimit := parseIntHeader(h, "X-RateLimit-Limit")
	remaining, okRemaining := parseIntHeader(h, "X-RateLimit-Remaining")
	reset, okReset := parseIntHeader(h, "X-RateLimit-Reset")
	if !okLimit || !okRemaining || !okReset || limit <= 0 {
		return
	}

	resetAt := time.Unix(int64(reset), 0)
	window := resetAt.Sub(l.now())
	if window <= 0 {
		window = time.Minute
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.remaining = remaining
	l.resetAt = resetAt
	l.primary.SetBurst(remaining + 1)
	l.primary.SetLimit(rate.Limit(float64(limit) / window.Seconds()))
}

// TriggerSecondary opens the secondary cooldown gate for retryAfter
// (spec §4.6c: a 403/429 carrying Retry-After means "stop entirely",
// independent of the primary bucket's remaining budget).
func (l *RateLimiter) TriggerSecondary(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(retryAfter)
	if until.After(l.secondary) {
		l.secondary = until
	}
}

func parseIntHeader(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// retryAfterFromHeader parses a Retry-After header that may be either a
// delay in seconds or an HTTP-date, returning zero if absent/unparsable.
func retryAfterFromHeader(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
