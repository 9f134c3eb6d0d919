package publisher

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flakeguard/flakeguard/internal/domain"
)

func candidate(name string, action domain.Action, confidence float64, failCount int) Candidate {
	return Candidate{
		TestCase: domain.TestCase{FullName: name},
		Score:    domain.FlakeScore{Confidence: confidence},
		Decision: domain.PolicyDecision{Action: action},
		FailCount: failCount,
	}
}

var _ = Describe("conclusionFor", func() {
	It("returns action_required when any candidate is quarantined", func() {
		cs := []Candidate{
			candidate("a", domain.ActionWarn, 0.5, 1),
			candidate("b", domain.ActionQuarantine, 0.9, 3),
		}
		Expect(conclusionFor(cs)).To(Equal(domain.ConclusionActionRequired))
	})

	It("returns neutral when the worst action is warn", func() {
		cs := []Candidate{candidate("a", domain.ActionWarn, 0.5, 1)}
		Expect(conclusionFor(cs)).To(Equal(domain.ConclusionNeutral))
	})

	It("returns success when nothing is flagged", func() {
		cs := []Candidate{candidate("a", domain.ActionNone, 0.1, 0)}
		Expect(conclusionFor(cs)).To(Equal(domain.ConclusionSuccess))
	})

	It("returns success for an empty candidate set", func() {
		Expect(conclusionFor(nil)).To(Equal(domain.ConclusionSuccess))
	})
})

var _ = Describe("renderOutput", func() {
	It("titles the summary with the actionable count", func() {
		cs := []Candidate{
			candidate("pkg.A", domain.ActionQuarantine, 0.95, 4),
			candidate("pkg.B", domain.ActionNone, 0.1, 0),
		}
		out := renderOutput(cs)
		Expect(out.Title).To(Equal("1 flaky test candidate(s) found"))
		Expect(out.Summary).To(ContainSubstring("pkg.A"))
		Expect(out.Summary).To(ContainSubstring("pkg.B"))
	})

	It("reports no flaky tests when nothing is actionable", func() {
		out := renderOutput([]Candidate{candidate("pkg.A", domain.ActionNone, 0.1, 0)})
		Expect(out.Title).To(Equal("No flaky tests detected"))
	})

	It("sorts rows by confidence descending", func() {
		cs := []Candidate{
			candidate("low", domain.ActionWarn, 0.3, 1),
			candidate("high", domain.ActionQuarantine, 0.9, 5),
		}
		out := renderOutput(cs)
		Expect(strings.Index(out.Summary, "high")).To(BeNumerically("<", strings.Index(out.Summary, "low")))
	})

	It("truncates to the top 10 and notes how many were hidden", func() {
		cs := make([]Candidate, 0, 12)
		for i := 0; i < 12; i++ {
			cs = append(cs, candidate("t", domain.ActionWarn, float64(12-i)/12, 1))
		}
		out := renderOutput(cs)
		Expect(out.Summary).To(ContainSubstring("Showing top 10 of 12"))
	})

	It("escapes markdown metacharacters in test names", func() {
		cs := []Candidate{candidate("a|b*c_d`e", domain.ActionWarn, 0.5, 1)}
		out := renderOutput(cs)
		Expect(out.Summary).To(ContainSubstring(`a\|b\*c\_d\` + "`" + `e`))
	})

	It("renders n/a for unknown rerun pass rate and last failed run", func() {
		cs := []Candidate{candidate("a", domain.ActionWarn, 0.5, 1)}
		out := renderOutput(cs)
		Expect(out.Summary).To(ContainSubstring("| n/a | n/a |"))
	})
})

var _ = Describe("buildActions", func() {
	It("returns no actions for an empty candidate set", func() {
		Expect(buildActions(nil)).To(BeEmpty())
	})

	It("orders rerun_failed before quarantine before open_issue", func() {
		cs := []Candidate{
			candidate("a", domain.ActionQuarantine, 0.9, 2),
		}
		actions := buildActions(cs)
		var ids []string
		for _, a := range actions {
			ids = append(ids, a.Identifier)
		}
		Expect(ids).To(Equal([]string{actionRerunFailed, actionQuarantine, actionOpenIssue}))
	})

	It("caps actions at domain.MaxCheckRunActions", func() {
		cs := []Candidate{candidate("a", domain.ActionQuarantine, 0.9, 2)}
		Expect(buildActions(cs)).To(HaveLen(domain.MaxCheckRunActions))
	})

	It("omits rerun_failed when nothing is currently failing", func() {
		cs := []Candidate{candidate("a", domain.ActionQuarantine, 0.9, 0)}
		actions := buildActions(cs)
		for _, a := range actions {
			Expect(a.Identifier).NotTo(Equal(actionRerunFailed))
		}
	})

	It("uses singular phrasing for exactly one item", func() {
		cs := []Candidate{candidate("a", domain.ActionQuarantine, 0.9, 1)}
		actions := buildActions(cs)
		Expect(actions[0].Description).To(Equal("Rerun 1 failing test"))
	})
})
