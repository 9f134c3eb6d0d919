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

package pipeline

import (
	"context"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/domain"
	"github.com/flakeguard/flakeguard/internal/fetcher"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/parser"
	"github.com/flakeguard/flakeguard/internal/policy"
	"github.com/flakeguard/flakeguard/internal/publisher"
	"github.com/flakeguard/flakeguard/internal/scoring"
)

// handleWorkflowRunJob implements spec §4.3's numbered steps for one
// reserved workflow_run job: resolve identifiers, fetch and parse every
// candidate artifact, ingest the results, score and decide per test
// case, and publish the combined check run.
func (p *Pipeline) handleWorkflowRunJob(ctx context.Context, job *broker.Job) error {
	payload, err := parseWorkflowRunPayload(job.Payload)
	if err != nil {
		return err
	}
	owner, repoName := payload.owner(), payload.repoName()

	inst := &domain.Installation{PlatformInstallationID: payload.Installation.ID}
	if err := p.repo.UpsertInstallation(ctx, inst); err != nil {
		return apperrors.Wrap(err, apperrors.KindServiceUnavailable, "upsert installation")
	}

	repoRow := &domain.Repository{
		PlatformRepoID: payload.Repository.ID,
		FullName:       payload.Repository.FullName,
		InstallationID: inst.ID,
	}
	if err := p.repo.UpsertRepository(ctx, repoRow); err != nil {
		return apperrors.Wrap(err, apperrors.KindServiceUnavailable, "upsert repository")
	}

	run := &domain.WorkflowRun{
		PlatformRunID: payload.WorkflowRun.ID,
		RepoID:        repoRow.ID,
		HeadSHA:       payload.WorkflowRun.HeadSHA,
		HeadBranch:    payload.WorkflowRun.HeadBranch,
		Status:        domain.WorkflowRunCompleted,
		Conclusion:    payload.WorkflowRun.Conclusion,
		ReceivedAt:    time.Now(),
	}
	if err := p.repo.UpsertWorkflowRun(ctx, run); err != nil {
		return apperrors.Wrap(err, apperrors.KindServiceUnavailable, "upsert workflow run")
	}

	runIDStr := strconv.FormatInt(payload.WorkflowRun.ID, 10)

	artifacts, err := p.fetcher.ListCandidates(ctx, payload.Installation.ID, owner, repoName, payload.WorkflowRun.ID)
	if err != nil {
		return classifyPlatformErr(err, "list workflow run artifacts")
	}

	suites, err := p.collectSuites(ctx, payload.Installation.ID, artifacts)
	if err != nil {
		return err
	}

	if _, err := p.repo.IngestRun(ctx, repoRow.ID, runIDStr, suites); err != nil {
		return apperrors.Wrap(err, apperrors.KindServiceUnavailable, "ingest run")
	}

	doc := p.policyLoader.Load(ctx, payload.Installation.ID, owner, repoName)

	candidates, err := p.scoreAndDecide(ctx, repoRow.ID, doc, owner, repoName, suites)
	if err != nil {
		return err
	}

	target := publisher.Target{
		InstallationID: payload.Installation.ID,
		Owner:          owner,
		Repo:           repoName,
		RepoID:         repoRow.ID,
		HeadSHA:        payload.WorkflowRun.HeadSHA,
	}
	if err := p.publisher.Publish(ctx, target, candidates); err != nil {
		return classifyPlatformErr(err, "publish check run")
	}

	return nil
}

// collectSuites streams and parses every candidate artifact, tolerating
// an expired artifact URL (log and skip, per spec §4.3) while still
// failing the job on a retryable transport error.
func (p *Pipeline) collectSuites(ctx context.Context, installationID int64, artifacts []fetcher.Artifact) ([]parser.Suite, error) {
	var suites []parser.Suite
	var warnings []parser.FileWarning

	for _, a := range artifacts {
		var report *parser.Report
		streamErr := p.fetcher.Stream(ctx, installationID, a, func(r io.Reader) error {
			// The downloaded blob is always a zip archive, whatever the
			// artifact's declared name looks like.
			rep, parseErr := parser.Parse(a.Name+".zip", r)
			if parseErr != nil {
				return parseErr
			}
			report = rep
			return nil
		})
		if streamErr != nil {
			classified := classifyPlatformErr(streamErr, "stream artifact "+a.Name)
			if apperrors.IsKind(classified, apperrors.KindArtifactExpired) {
				p.log.Warn("skipping expired artifact", zap.String("artifact", a.Name))
				metrics.RecordArtifactOutcome("skipped_expired")
				continue
			}
			metrics.RecordArtifactOutcome("failed")
			return nil, classified
		}
		metrics.RecordArtifactOutcome("parsed")
		if report != nil {
			suites = append(suites, report.Suites...)
			warnings = append(warnings, report.Warnings...)
		}
	}

	if len(warnings) > 0 {
		p.log.Warn("artifact parse warnings", zap.Error(parser.CombineWarnings(warnings)), zap.Int("count", len(warnings)))
		metrics.RecordParseWarnings(len(warnings))
	}
	return suites, nil
}

// scoreAndDecide scores every distinct test case observed in suites
// against its recent occurrence history (at most RollingWindowSize
// occurrences within LookbackDays) and applies the repository's
// policy document, producing one publisher.Candidate per case.
func (p *Pipeline) scoreAndDecide(ctx context.Context, repoID string, doc *policy.Document, owner, repoName string, suites []parser.Suite) ([]publisher.Candidate, error) {
	type seenKey struct{ fullName, file, suiteName string }
	seen := make(map[seenKey]bool)

	var candidates []publisher.Candidate
	now := time.Now()
	lookback := time.Duration(doc.LookbackDays) * 24 * time.Hour

	for _, suite := range suites {
		for _, c := range suite.Cases {
			tc := domain.TestCase{ClassName: c.ClassName, Name: c.Name, FullName: c.FullName, File: c.File, SuiteName: suite.Name, RepoID: repoID}
			file := tc.SourcePath()
			key := seenKey{fullName: c.FullName, file: file, suiteName: suite.Name}
			if seen[key] {
				continue
			}
			seen[key] = true

			caseID, err := p.repo.LookupTestCaseID(ctx, repoID, c.FullName, file, suite.Name)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindServiceUnavailable, "lookup ingested test case")
			}
			tc.ID = caseID

			history, err := p.repo.RecentOccurrences(ctx, caseID, doc.RollingWindowSize, now.Add(-lookback))
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindServiceUnavailable, "load occurrence history")
			}

			result := scoring.Score(history, scoring.Options{
				Now:            now,
				Window:         doc.RollingWindowSize,
				Lookback:       lookback,
				MinOccurrences: doc.MinOccurrences,
				Weights:        doc.ScoringWeights.ToWeights(),
			})

			flakeScore := domain.FlakeScore{
				TestCaseID:  caseID,
				Score:       result.Score,
				Confidence:  result.Confidence,
				Features:    result.Features,
				LastUpdated: now,
			}
			if err := p.repo.UpsertFlakeScore(ctx, flakeScore); err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindServiceUnavailable, "persist flake score")
			}

			decision := policy.Evaluate(policy.Candidate{
				TestCase:       tc,
				Score:          flakeScore,
				TotalRuns:      len(history),
				RecentFailures: countRecentFailures(history),
			}, policy.EvalContext{Owner: owner, Repo: repoName}, doc)

			candidates = append(candidates, publisher.Candidate{
				TestCase:           tc,
				Score:              flakeScore,
				Decision:           decision,
				FailCount:          countRecentFailures(history),
				RerunPassRate:      result.Features.RerunPassRate,
				RerunPassRateKnown: result.Features.RerunPassRateKnown,
				LastFailedRun:      lastFailedRun(history),
			})
		}
	}

	metrics.RecordFlakeScoresComputed(len(candidates))
	return candidates, nil
}

func countRecentFailures(history []domain.Occurrence) int {
	n := 0
	for _, occ := range history {
		if occ.Status.IsFailureLike() {
			n++
		}
	}
	return n
}

func lastFailedRun(history []domain.Occurrence) string {
	for _, occ := range history {
		if occ.Status.IsFailureLike() {
			return occ.RunID
		}
	}
	return ""
}
