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

// Package publisher renders the scorer/policy pipeline's output as a
// single per-commit check run and dispatches its action callbacks (spec
// §4.9).
package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/domain"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/platformclient"
)

const maxIssueBodyBytes = 4096

const checkRunName = "FlakeGuard analysis"

// platformCaller narrows *platformclient.Client to what this package
// calls, so tests can substitute a fake.
type platformCaller interface {
	Do(ctx context.Context, req platformclient.Request, out any) error
}

// CheckRunStore is the persistence the publisher needs to decide between
// creating and updating a check run (spec invariant 4: one check run per
// (repoId, headSha)).
type CheckRunStore interface {
	GetCheckRun(ctx context.Context, repoID, headSHA string) (*domain.CheckRun, error)
	UpsertCheckRun(ctx context.Context, cr domain.CheckRun) error
}

// Publisher renders and publishes the per-commit analysis check run.
type Publisher struct {
	client platformCaller
	store  CheckRunStore
	log    *zap.Logger
}

// New builds a Publisher.
func New(client *platformclient.Client, store CheckRunStore, log *zap.Logger) *Publisher {
	return &Publisher{client: client, store: store, log: log}
}

// Target identifies the check run's owning repository and commit.
type Target struct {
	InstallationID int64
	Owner          string
	Repo           string
	RepoID         string
	HeadSHA        string
}

type checkRunPayload struct {
	Name       string                  `json:"name"`
	HeadSHA    string                  `json:"head_sha,omitempty"`
	Status     string                  `json:"status"`
	Conclusion domain.CheckRunConclusion `json:"conclusion,omitempty"`
	Output     outputPayload           `json:"output"`
	Actions    []actionPayload         `json:"actions,omitempty"`
}

type outputPayload struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type actionPayload struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Identifier  string `json:"identifier"`
}

type createdCheckRun struct {
	ID int64 `json:"id"`
}

// Publish creates or updates the single analysis check run for
// (target.RepoID, target.HeadSHA), per spec §4.9/§5's "latest decision
// wins" ordering guarantee.
func (p *Publisher) Publish(ctx context.Context, target Target, candidates []Candidate) error {
	output := renderOutput(candidates)
	actions := buildActions(candidates)
	conclusion := conclusionFor(candidates)

	payload := checkRunPayload{
		Name:       checkRunName,
		Status:     "completed",
		Conclusion: conclusion,
		Output:     outputPayload{Title: output.Title, Summary: output.Summary},
		Actions:    toActionPayloads(actions),
	}

	existing, err := p.store.GetCheckRun(ctx, target.RepoID, target.HeadSHA)
	if err != nil {
		return fmt.Errorf("look up existing check run: %w", err)
	}

	var checkRunID int64
	if existing != nil {
		checkRunID = existing.PlatformCheckRunID
		if err := p.client.Do(ctx, platformclient.Request{
			Method:         "PATCH",
			Path:           fmt.Sprintf("/repos/%s/%s/check-runs/%d", target.Owner, target.Repo, checkRunID),
			InstallationID: target.InstallationID,
			Priority:       broker.PriorityNormal,
			Body:           payload,
			Endpoint:       "check-runs",
		}, nil); err != nil {
			return fmt.Errorf("update check run: %w", err)
		}
	} else {
		payload.HeadSHA = target.HeadSHA
		var created createdCheckRun
		if err := p.client.Do(ctx, platformclient.Request{
			Method:         "POST",
			Path:           fmt.Sprintf("/repos/%s/%s/check-runs", target.Owner, target.Repo),
			InstallationID: target.InstallationID,
			Priority:       broker.PriorityNormal,
			Body:           payload,
			Endpoint:       "check-runs",
		}, &created); err != nil {
			return fmt.Errorf("create check run: %w", err)
		}
		checkRunID = created.ID
	}

	if err := p.store.UpsertCheckRun(ctx, domain.CheckRun{
		PlatformCheckRunID: checkRunID,
		RepoID:             target.RepoID,
		HeadSHA:            target.HeadSHA,
		Status:             "completed",
		Conclusion:         conclusion,
	}); err != nil {
		return err
	}

	metrics.RecordCheckRunPublished(string(conclusion))
	return nil
}

func toActionPayloads(actions []domain.CheckRunAction) []actionPayload {
	out := make([]actionPayload, len(actions))
	for i, a := range actions {
		out[i] = actionPayload{Label: a.Label, Description: a.Description, Identifier: a.Identifier}
	}
	return out
}
