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

	"github.com/flakeguard/flakeguard/internal/domain"
)

const (
	actionRerunFailed = "rerun_failed"
	actionQuarantine  = "quarantine"
	actionOpenIssue   = "open_issue"
)

// buildActions selects up to domain.MaxCheckRunActions actions in the
// fixed priority order spec §4.9 names, skipping any whose precondition
// doesn't hold.
func buildActions(candidates []Candidate) []domain.CheckRunAction {
	failing := countFailing(candidates)
	quarantinable := countQuarantinable(candidates)
	actionable := countActionable(candidates)

	var actions []domain.CheckRunAction
	if failing > 0 {
		actions = append(actions, domain.CheckRunAction{
			Identifier:  actionRerunFailed,
			Label:       "Rerun failed",
			Description: fmt.Sprintf("Rerun %s", pluralize(failing, "failing test")),
		})
	}
	if quarantinable > 0 && len(actions) < domain.MaxCheckRunActions {
		actions = append(actions, domain.CheckRunAction{
			Identifier:  actionQuarantine,
			Label:       "Quarantine",
			Description: fmt.Sprintf("Quarantine %s", pluralize(quarantinable, "flaky test")),
		})
	}
	if actionable > 0 && len(actions) < domain.MaxCheckRunActions {
		actions = append(actions, domain.CheckRunAction{
			Identifier:  actionOpenIssue,
			Label:       "Open issue",
			Description: fmt.Sprintf("Open an issue for %s", pluralize(actionable, "candidate")),
		})
	}
	return actions
}

func countFailing(candidates []Candidate) int {
	n := 0
	for _, c := range candidates {
		if c.FailCount > 0 {
			n++
		}
	}
	return n
}

func countQuarantinable(candidates []Candidate) int {
	n := 0
	for _, c := range candidates {
		if c.Decision.Action == domain.ActionQuarantine {
			n++
		}
	}
	return n
}
