package platformclient

import (
	"context"
	"net/http"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flakeguard/flakeguard/internal/broker"
)

var _ = Describe("RateLimiter", func() {
	It("narrows the primary bucket from response headers", func() {
		l := NewRateLimiter(RateLimiterSettings{})
		fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return fixedNow }

		h := http.Header{}
		h.Set("X-RateLimit-Limit", "60")
		h.Set("X-RateLimit-Remaining", "0")
		h.Set("X-RateLimit-Reset", strconv.FormatInt(fixedNow.Add(time.Minute).Unix(), 10))
		l.ObserveHeaders(h)

		Expect(l.primary.Burst()).To(Equal(1))
	})

	It("ignores malformed rate-limit headers", func() {
		l := NewRateLimiter(RateLimiterSettings{})
		before := l.primary.Burst()
		l.ObserveHeaders(http.Header{"X-RateLimit-Limit": []string{"not-a-number"}})
		Expect(l.primary.Burst()).To(Equal(before))
	})

	It("blocks Wait during a secondary cooldown and releases after it elapses", func() {
		l := NewRateLimiter(RateLimiterSettings{})
		l.TriggerSecondary(30 * time.Millisecond)

		start := time.Now()
		Expect(l.Wait(context.Background(), broker.PriorityNormal)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 25*time.Millisecond))
	})

	It("unblocks Wait immediately when ctx is already satisfied and no cooldown is set", func() {
		l := NewRateLimiter(RateLimiterSettings{})
		Expect(l.Wait(context.Background(), broker.PriorityNormal)).To(Succeed())
	})

	It("blocks non-critical traffic once remaining budget hits the reserved floor", func() {
		l := NewRateLimiter(RateLimiterSettings{ReservedFloorPct: 0.5, ThrottleThresholdPct: 0, MaxThrottleDelay: time.Second})
		fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return fixedNow }

		h := http.Header{}
		h.Set("X-RateLimit-Limit", "10")
		h.Set("X-RateLimit-Remaining", "3") // at/below the 50% floor of 5
		h.Set("X-RateLimit-Reset", strconv.FormatInt(fixedNow.Add(2*time.Second).Unix(), 10))
		l.ObserveHeaders(h)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		Expect(l.Wait(ctx, broker.PriorityNormal)).To(MatchError(context.DeadlineExceeded))

		Expect(l.Wait(context.Background(), broker.PriorityCritical)).To(Succeed())
	})

	It("adds a proactive delay once remaining budget drops below the throttle threshold", func() {
		l := NewRateLimiter(RateLimiterSettings{ReservedFloorPct: 0, ThrottleThresholdPct: 0.5, MaxThrottleDelay: 2 * time.Second})
		fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return fixedNow }

		h := http.Header{}
		h.Set("X-RateLimit-Limit", "100")
		h.Set("X-RateLimit-Remaining", "10") // ratio 0.10, below the 0.5 threshold
		h.Set("X-RateLimit-Reset", strconv.FormatInt(fixedNow.Add(2*time.Second).Unix(), 10))
		l.ObserveHeaders(h)

		start := time.Now()
		Expect(l.Wait(context.Background(), broker.PriorityNormal)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 500*time.Millisecond))
	})
})

var _ = Describe("retryAfterFromHeader", func() {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	It("parses a numeric seconds value", func() {
		h := http.Header{"Retry-After": []string{"5"}}
		Expect(retryAfterFromHeader(h, now)).To(Equal(5 * time.Second))
	})

	It("parses an HTTP-date value in the future", func() {
		h := http.Header{"Retry-After": []string{now.Add(10 * time.Second).Format(http.TimeFormat)}}
		Expect(retryAfterFromHeader(h, now)).To(BeNumerically("~", 10*time.Second, time.Second))
	})

	It("returns zero when absent", func() {
		Expect(retryAfterFromHeader(http.Header{}, now)).To(Equal(time.Duration(0)))
	})
})
