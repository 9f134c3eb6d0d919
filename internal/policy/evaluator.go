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

package policy

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/flakeguard/flakeguard/internal/domain"
)

// Candidate bundles everything the evaluator needs about one test case
// beyond the raw score: spec §4.8 rules 3-4 reference totalRuns and
// recentFailures, which live outside FlakeScore's feature vector.
type Candidate struct {
	TestCase       domain.TestCase
	Score          domain.FlakeScore
	TotalRuns      int
	RecentFailures int
}

// EvalContext carries the request-scoped facts the rules consult: which
// team (if any) owns the test, and which labels are currently present
// on the associated change request (spec §4.8 rule 6, invariant 6).
type EvalContext struct {
	Owner          string
	Repo           string
	TeamContext    string
	LabelsPresent  []string
}

// Evaluate applies the ordered rules from spec §4.8 to one candidate
// against doc, returning the resulting decision. Evaluate never
// mutates doc.
func Evaluate(c Candidate, ctx EvalContext, doc *Document) domain.PolicyDecision {
	effective := *doc
	if ctx.TeamContext != "" {
		if override, ok := doc.TeamOverrides[ctx.TeamContext]; ok {
			effective = doc.merge(override)
		}
	}

	if matchesAny(c.TestCase.FullName, doc.ExemptedTests) {
		return decide(c, domain.ActionNone, "exempted", effective)
	}

	sourcePath := c.TestCase.SourcePath()
	if sourcePath != "" && matchesAny(sourcePath, doc.ExcludePaths) {
		return decide(c, domain.ActionNone, "excluded", effective)
	}

	if c.TotalRuns < effective.MinOccurrences {
		return decide(c, domain.ActionNone, "insufficient data", effective)
	}

	if c.RecentFailures < effective.minRecentFailures() {
		return decide(c, domain.ActionNone, "too few recent failures", effective)
	}

	if c.Score.Confidence < effective.ConfidenceThreshold {
		return decide(c, domain.ActionNone, "low confidence", effective)
	}

	if c.Score.Score >= effective.FlakyThreshold {
		if effective.AutoQuarantineEnabled && hasAllLabels(ctx.LabelsPresent, effective.LabelsRequired) {
			return decide(c, domain.ActionQuarantine, "score at or above flaky threshold, auto-quarantine enabled", effective)
		}
		return decide(c, domain.ActionQuarantine, "score at or above flaky threshold, awaiting confirmation", effective)
	}

	if c.Score.Score >= effective.WarnThreshold {
		return decide(c, domain.ActionWarn, "score at or above warn threshold", effective)
	}

	return decide(c, domain.ActionNone, "score below warn threshold", effective)
}

func decide(c Candidate, action domain.Action, reason string, effective Document) domain.PolicyDecision {
	return domain.PolicyDecision{
		TestCaseID: c.TestCase.ID,
		Action:     action,
		Priority:   priorityFor(action, c.Score, effective),
		Reason:     reason,
		Metadata: map[string]any{
			"score":      c.Score.Score,
			"confidence": c.Score.Confidence,
			"totalRuns":  c.TotalRuns,
		},
	}
}

// priorityFor implements spec §4.8's priority bands against the
// effective (post-team-override) thresholds. none actions are always
// low priority regardless of score, since there is nothing for a human
// to act on.
func priorityFor(action domain.Action, score domain.FlakeScore, effective Document) domain.Priority {
	if action == domain.ActionNone {
		return domain.PriorityLow
	}
	switch {
	case score.Score >= 0.85 && score.Confidence >= 0.85:
		return domain.PriorityCritical
	case score.Score >= effective.FlakyThreshold:
		return domain.PriorityHigh
	case score.Score >= effective.WarnThreshold:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func matchesAny(candidate string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, candidate); err == nil && ok {
			return true
		}
	}
	return false
}

func hasAllLabels(present, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(present))
	for _, l := range present {
		have[l] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
