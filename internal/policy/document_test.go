package policy

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Validate", func() {
	It("accepts and fully defaults an empty document", func() {
		doc := &Document{}
		errs := Validate(doc)
		Expect(errs).To(BeEmpty())
		Expect(doc.FlakyThreshold).To(Equal(0.6))
		Expect(doc.WarnThreshold).To(Equal(0.3))
		Expect(doc.MinOccurrences).To(Equal(5))
		Expect(doc.LookbackDays).To(Equal(14))
		Expect(doc.RollingWindowSize).To(Equal(100))
		Expect(doc.ConfidenceThreshold).To(Equal(0.7))
		Expect(doc.QuarantineDurationDays).To(Equal(30))
		Expect(doc.ExcludePaths).To(Equal(DefaultExcludePaths()))
	})

	It("rejects warn_threshold >= flaky_threshold", func() {
		doc := &Document{FlakyThreshold: 0.5, WarnThreshold: 0.5, MinOccurrences: 1, LookbackDays: 1, RollingWindowSize: 10}
		errs := Validate(doc)
		Expect(errs).NotTo(BeEmpty())
	})

	It("rejects an out-of-range lookback", func() {
		doc := &Document{LookbackDays: 400}
		errs := Validate(doc)
		Expect(errs).NotTo(BeEmpty())
	})

	It("never returns both a valid defaulted document and errors", func() {
		doc := &Document{FlakyThreshold: -1}
		errs := Validate(doc)
		Expect(errs).NotTo(BeEmpty())
	})

	DescribeTable("scoring weights fall back to scoring.DefaultWeights() when unset",
		func(weights ScoringWeights, expectDefault bool) {
			converted := weights.ToWeights()
			if expectDefault {
				Expect(converted.FailSuccessRatio).To(Equal(0.25))
			} else {
				Expect(converted.FailSuccessRatio).To(Equal(weights.FailSuccessRatio))
			}
		},
		Entry("zero value", ScoringWeights{}, true),
		Entry("explicit weights", ScoringWeights{FailSuccessRatio: 0.9, RerunPassRate: 0.1}, false),
	)
})

var _ = Describe("Document.merge", func() {
	It("overrides only the fields the team override sets", func() {
		base := DefaultDocument()
		threshold := 0.9
		override := TeamOverride{FlakyThreshold: &threshold}

		merged := base.merge(override)

		Expect(merged.FlakyThreshold).To(Equal(0.9))
		Expect(merged.WarnThreshold).To(Equal(base.WarnThreshold))
	})
})
