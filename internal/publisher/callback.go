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
	"context"
	"fmt"

	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/platformclient"
)

// CallbackRequest carries everything HandleCallback needs to act on one
// check-run action click. Callbacks are keyed by (RepoID, HeadSHA,
// ActionID) rather than by a reference to the originating Candidate
// slice, since the action click arrives as its own webhook delivery,
// potentially long after the run that produced the check run has been
// garbage collected from memory.
type CallbackRequest struct {
	InstallationID int64
	Owner          string
	Repo           string
	RepoID         string
	HeadSHA        string
	ActionID       string

	// RunID is required for actionRerunFailed.
	RunID int64
	// TestCaseIDs is required for actionQuarantine.
	TestCaseIDs []string
	// IssueTitle/IssueBody are required for actionOpenIssue.
	IssueTitle string
	IssueBody  string
}

type issueCreated struct {
	HTMLURL string `json:"html_url"`
}

// HandleCallback dispatches one check-run action click to the
// corresponding Platform operation, then appends a status note to the
// same check run (spec §4.9).
func (p *Publisher) HandleCallback(ctx context.Context, req CallbackRequest) (err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		metrics.RecordCheckRunCallback(req.ActionID, outcome)
	}()

	var note string

	switch req.ActionID {
	case actionRerunFailed:
		if err := p.client.Do(ctx, platformclient.Request{
			Method:         "POST",
			Path:           fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", req.Owner, req.Repo, req.RunID),
			InstallationID: req.InstallationID,
			Priority:       broker.PriorityHigh,
			Endpoint:       "actions-runs",
		}, nil); err != nil {
			return fmt.Errorf("request rerun of failed jobs: %w", err)
		}
		note = "Rerun of failed jobs requested."

	case actionQuarantine:
		note = fmt.Sprintf("Quarantine requested for %s. Apply the corresponding skip/ignore annotation in a follow-up commit.",
			pluralize(len(req.TestCaseIDs), "test case"))

	case actionOpenIssue:
		var created issueCreated
		if err := p.client.Do(ctx, platformclient.Request{
			Method:         "POST",
			Path:           fmt.Sprintf("/repos/%s/%s/issues", req.Owner, req.Repo),
			InstallationID: req.InstallationID,
			Priority:       broker.PriorityNormal,
			Body: map[string]string{
				"title": req.IssueTitle,
				"body":  boundIssueBody(req.IssueBody),
			},
			Endpoint: "issues",
		}, &created); err != nil {
			return fmt.Errorf("create tracking issue: %w", err)
		}
		note = fmt.Sprintf("Tracking issue created: %s", created.HTMLURL)

	default:
		return fmt.Errorf("unrecognized check run action identifier %q", req.ActionID)
	}

	return p.appendNote(ctx, req, note)
}

// appendNote PATCHes the existing check run's summary with a trailing
// status line, leaving the rest of the rendered table untouched.
func (p *Publisher) appendNote(ctx context.Context, req CallbackRequest, note string) error {
	existing, err := p.store.GetCheckRun(ctx, req.RepoID, req.HeadSHA)
	if err != nil {
		return fmt.Errorf("look up check run for callback: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("no check run found for repo %s at %s", req.RepoID, req.HeadSHA)
	}

	summary := existing.Output.Summary + "\n\n---\n" + note

	if err := p.client.Do(ctx, platformclient.Request{
		Method:         "PATCH",
		Path:           fmt.Sprintf("/repos/%s/%s/check-runs/%d", req.Owner, req.Repo, existing.PlatformCheckRunID),
		InstallationID: req.InstallationID,
		Priority:       broker.PriorityNormal,
		Body: checkRunPayload{
			Name:   checkRunName,
			Status: "completed",
			Output: outputPayload{Title: note, Summary: summary},
		},
		Endpoint: "check-runs",
	}, nil); err != nil {
		return fmt.Errorf("patch check run with callback outcome: %w", err)
	}

	existing.Output.Summary = summary
	return p.store.UpsertCheckRun(ctx, *existing)
}

// boundIssueBody truncates an issue body to maxIssueBodyBytes so a large
// number of candidates never produces an oversized Platform request.
func boundIssueBody(body string) string {
	if len(body) <= maxIssueBodyBytes {
		return body
	}
	return body[:maxIssueBodyBytes] + "\n\n_(truncated)_"
}
