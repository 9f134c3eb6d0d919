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

package publisher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flakeguard/flakeguard/internal/domain"
)

// maxSummaryRows bounds the rendered table (spec §4.9).
const maxSummaryRows = 10

// Candidate bundles one test case's score and decision with the display
// fields the summary table needs.
type Candidate struct {
	TestCase           domain.TestCase
	Score              domain.FlakeScore
	Decision           domain.PolicyDecision
	FailCount          int
	RerunPassRate      float64
	RerunPassRateKnown bool
	LastFailedRun      string
}

// conclusionFor implements spec §4.9's check-run conclusion rule: any
// quarantine decision wins over any warn, which wins over a clean pass.
func conclusionFor(candidates []Candidate) domain.CheckRunConclusion {
	hasQuarantine := false
	hasWarn := false
	for _, c := range candidates {
		switch c.Decision.Action {
		case domain.ActionQuarantine:
			hasQuarantine = true
		case domain.ActionWarn:
			hasWarn = true
		}
	}
	switch {
	case hasQuarantine:
		return domain.ConclusionActionRequired
	case hasWarn:
		return domain.ConclusionNeutral
	default:
		return domain.ConclusionSuccess
	}
}

// renderOutput builds the check run's title and markdown summary, sorted
// by confidence descending and truncated to the top 10 (spec §4.9).
func renderOutput(candidates []Candidate) domain.CheckRunOutput {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score.Confidence > sorted[j].Score.Confidence
	})

	title := "No flaky tests detected"
	actionable := countActionable(candidates)
	if actionable > 0 {
		title = fmt.Sprintf("%d flaky test candidate(s) found", actionable)
	}

	var b strings.Builder
	b.WriteString("| Test | Fail count | Rerun pass rate | Last failed run | Confidence |\n")
	b.WriteString("|---|---|---|---|---|\n")

	shown := sorted
	truncated := len(sorted) > maxSummaryRows
	if truncated {
		shown = sorted[:maxSummaryRows]
	}
	for _, c := range shown {
		b.WriteString(renderRow(c))
		b.WriteString("\n")
	}
	if truncated {
		fmt.Fprintf(&b, "\n_Showing top %d of %d._\n", maxSummaryRows, len(sorted))
	}

	return domain.CheckRunOutput{Title: title, Summary: b.String()}
}

func renderRow(c Candidate) string {
	rerun := "n/a"
	if c.RerunPassRateKnown {
		rerun = fmt.Sprintf("%.0f%%", c.RerunPassRate*100)
	}
	lastFailed := c.LastFailedRun
	if lastFailed == "" {
		lastFailed = "n/a"
	}
	return fmt.Sprintf("| %s | %d | %s | %s | %.2f |",
		escapeMarkdown(c.TestCase.FullName), c.FailCount, rerun, escapeMarkdown(lastFailed), c.Score.Confidence)
}

func countActionable(candidates []Candidate) int {
	n := 0
	for _, c := range candidates {
		if c.Decision.Action != domain.ActionNone {
			n++
		}
	}
	return n
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"|", `\|`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
)

// escapeMarkdown neutralizes markdown metacharacters in user-controlled
// test names so a test named e.g. "a|b*c" cannot break the summary table
// or inject emphasis/links (spec §4.9).
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// pluralize renders "%d %s" with an "s" suffix when n != 1, matching the
// singular/plural action labels spec §4.9 asks for.
func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
