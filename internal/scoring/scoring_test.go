package scoring

import (
	"time"

	"github.com/flakeguard/flakeguard/internal/domain"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func occurrenceAt(runID string, attempt int, status domain.OccurrenceStatus, at time.Time, sig string) domain.Occurrence {
	return domain.Occurrence{
		RunID: runID, Attempt: attempt, Status: status, CreatedAt: at, FailureMsgSignature: sig,
	}
}

var baseNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

var _ = Describe("Score", func() {
	It("returns zero confidence below minOccurrences", func() {
		history := []domain.Occurrence{
			occurrenceAt("r1", 1, domain.StatusFailed, baseNow.Add(-time.Hour), "x"),
		}
		result := Score(history, Options{Now: baseNow})
		Expect(result.Confidence).To(Equal(0.0))
		Expect(result.Recommendation).To(Equal(domain.ActionNone))
	})

	It("is bit-identical for identical input across repeated calls", func() {
		history := stableFlappingHistory(20)
		r1 := Score(history, Options{Now: baseNow})
		r2 := Score(history, Options{Now: baseNow})
		Expect(r1).To(Equal(r2))
	})

	It("never mutates the caller's history slice", func() {
		history := stableFlappingHistory(10)
		before := append([]domain.Occurrence(nil), history...)
		_ = Score(history, Options{Now: baseNow})
		Expect(history).To(Equal(before))
	})

	It("clamps score and confidence into [0,1]", func() {
		history := stableFlappingHistory(50)
		result := Score(history, Options{Now: baseNow})
		Expect(result.Score).To(BeNumerically(">=", 0))
		Expect(result.Score).To(BeNumerically("<=", 1))
		Expect(result.Confidence).To(BeNumerically(">=", 0))
		Expect(result.Confidence).To(BeNumerically("<=", 1))
	})

	It("scores a consistently passing test near zero with low confidence contribution from failures", func() {
		var history []domain.Occurrence
		for i := 0; i < 30; i++ {
			history = append(history, occurrenceAt("r", i+1, domain.StatusPassed, baseNow.Add(-time.Duration(30-i)*time.Hour), ""))
		}
		result := Score(history, Options{Now: baseNow})
		Expect(result.Score).To(BeNumerically("<", 0.1))
		Expect(result.Recommendation).To(Equal(domain.ActionNone))
	})

	It("scores a test that alternates every run as highly flaky", func() {
		history := stableFlappingHistory(40)
		result := Score(history, Options{Now: baseNow})
		Expect(result.Features.Intermittency).To(BeNumerically(">", 0.8))
		Expect(result.Recommendation).To(BeElementOf(domain.ActionWarn, domain.ActionQuarantine))
	})

	It("marks rerunPassRate unknown when no test ever has more than one attempt", func() {
		var history []domain.Occurrence
		for i := 0; i < 10; i++ {
			history = append(history, occurrenceAt("r"+string(rune('a'+i)), 1, domain.StatusFailed, baseNow.Add(-time.Duration(i)*time.Hour), "boom"))
		}
		result := Score(history, Options{Now: baseNow})
		Expect(result.Features.RerunPassRateKnown).To(BeFalse())
		Expect(result.Features.RerunPassRate).To(Equal(0.0))
	})

	It("credits a passing rerun after a failing first attempt", func() {
		history := []domain.Occurrence{
			occurrenceAt("r1", 1, domain.StatusFailed, baseNow.Add(-5*time.Hour), "boom"),
			occurrenceAt("r1", 2, domain.StatusPassed, baseNow.Add(-5*time.Hour), ""),
			occurrenceAt("r2", 1, domain.StatusPassed, baseNow.Add(-4*time.Hour), ""),
			occurrenceAt("r3", 1, domain.StatusFailed, baseNow.Add(-3*time.Hour), "boom"),
			occurrenceAt("r3", 2, domain.StatusFailed, baseNow.Add(-3*time.Hour), "boom"),
		}
		result := Score(history, Options{Now: baseNow, MinOccurrences: 1})
		Expect(result.Features.RerunPassRateKnown).To(BeTrue())
		Expect(result.Features.RerunPassRate).To(BeNumerically("~", 0.5, 1e-9))
	})

	It("drops occurrences older than the lookback window", func() {
		history := []domain.Occurrence{
			occurrenceAt("old", 1, domain.StatusFailed, baseNow.Add(-30*24*time.Hour), "stale"),
		}
		for i := 0; i < 6; i++ {
			history = append(history, occurrenceAt("recent", i+1, domain.StatusPassed, baseNow.Add(-time.Duration(i)*time.Hour), ""))
		}
		result := Score(history, Options{Now: baseNow, Lookback: 14 * 24 * time.Hour})
		Expect(result.Features.FailSuccessRatio).To(Equal(0.0), "the stale failing occurrence must be excluded by the lookback window")
	})

	It("caps the window at the configured size, keeping the most recent occurrences", func() {
		var history []domain.Occurrence
		for i := 0; i < 150; i++ {
			status := domain.StatusPassed
			if i >= 100 {
				status = domain.StatusFailed
			}
			history = append(history, occurrenceAt("r", i+1, status, baseNow.Add(-time.Duration(150-i)*time.Minute), "x"))
		}
		result := Score(history, Options{Now: baseNow, Window: 50})
		Expect(result.Features.FailSuccessRatio).To(Equal(1.0), "only the most recent 50 (all failing) should remain in the window")
	})
})
