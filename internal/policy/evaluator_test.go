package policy

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flakeguard/flakeguard/internal/domain"
)

// scenarioCandidate builds a Candidate with the given score, confidence,
// total run count, and recent-failure count, wired for Scenario F.
func scenarioCandidate(fullName string, score, confidence float64, totalRuns, recentFailures int) Candidate {
	return Candidate{
		TestCase: domain.TestCase{ID: fullName, FullName: fullName},
		Score: domain.FlakeScore{
			TestCaseID: fullName,
			Score:      score,
			Confidence: confidence,
		},
		TotalRuns:      totalRuns,
		RecentFailures: recentFailures,
	}
}

var _ = Describe("Evaluate", func() {
	var doc *Document

	BeforeEach(func() {
		minRecentFailures := 2
		doc = &Document{
			FlakyThreshold:      0.7,
			WarnThreshold:       0.4,
			MinOccurrences:      5,
			MinRecentFailures:   &minRecentFailures,
			ConfidenceThreshold: 0.7,
			ExemptedTests:       []string{"legacy.*"},
		}
		Expect(Validate(doc)).To(BeEmpty())
	})

	It("leaves a stable test alone at low priority", func() {
		c := scenarioCandidate("stable", 0.1, 0.95, 100, 0)
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Action).To(Equal(domain.ActionNone))
		Expect(decision.Priority).To(Equal(domain.PriorityLow))
	})

	It("quarantines a flaky test at high priority", func() {
		c := scenarioCandidate("flaky", 0.8, 0.9, 50, 40)
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Action).To(Equal(domain.ActionQuarantine))
		Expect(decision.Priority).To(Equal(domain.PriorityHigh))
	})

	It("warns on a moderately unstable test at medium priority", func() {
		c := scenarioCandidate("moderate", 0.5, 0.8, 20, 10)
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Action).To(Equal(domain.ActionWarn))
		Expect(decision.Priority).To(Equal(domain.PriorityMedium))
	})

	It("exempts a matching legacy test regardless of its score", func() {
		c := scenarioCandidate("legacy.old", 0.9, 0.9, 20, 18)
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Action).To(Equal(domain.ActionNone))
		Expect(decision.Priority).To(Equal(domain.PriorityLow))
		Expect(decision.Reason).To(Equal("exempted"))
	})

	It("excludes a test under an excluded path before scoring", func() {
		doc.ExcludePaths = []string{"testdata/**"}
		c := scenarioCandidate("pkg.Test", 0.95, 0.95, 50, 40)
		c.TestCase.File = "testdata/fixtures/pkg_test.go"
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Action).To(Equal(domain.ActionNone))
		Expect(decision.Reason).To(Equal("excluded"))
	})

	It("withholds a verdict below the minimum occurrence floor", func() {
		c := scenarioCandidate("new.Test", 0.95, 0.95, 2, 2)
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Action).To(Equal(domain.ActionNone))
		Expect(decision.Reason).To(Equal("insufficient data"))
	})

	It("withholds a verdict when confidence is too low", func() {
		c := scenarioCandidate("uncertain.Test", 0.95, 0.3, 50, 40)
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Action).To(Equal(domain.ActionNone))
		Expect(decision.Reason).To(Equal("low confidence"))
	})

	It("auto-quarantines when the team enables it and required labels are present", func() {
		doc.AutoQuarantineEnabled = true
		doc.LabelsRequired = []string{"flaky-ok"}
		c := scenarioCandidate("flaky", 0.8, 0.9, 50, 40)
		decision := Evaluate(c, EvalContext{LabelsPresent: []string{"flaky-ok"}}, doc)
		Expect(decision.Action).To(Equal(domain.ActionQuarantine))
		Expect(decision.Reason).To(ContainSubstring("auto-quarantine enabled"))
	})

	It("applies a team override's threshold before evaluating", func() {
		lowered := 0.3
		doc.TeamOverrides = map[string]TeamOverride{
			"payments": {FlakyThreshold: &lowered},
		}
		c := scenarioCandidate("payments.Test", 0.5, 0.9, 50, 10)
		decision := Evaluate(c, EvalContext{TeamContext: "payments"}, doc)
		Expect(decision.Action).To(Equal(domain.ActionQuarantine))
		Expect(decision.Priority).To(Equal(domain.PriorityHigh))
	})

	It("reaches critical priority for a high-score, high-confidence quarantine", func() {
		c := scenarioCandidate("critical.Test", 0.9, 0.9, 50, 40)
		decision := Evaluate(c, EvalContext{}, doc)
		Expect(decision.Priority).To(Equal(domain.PriorityCritical))
	})
})
