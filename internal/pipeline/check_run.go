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
	"fmt"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/publisher"
)

// handleCheckRunJob dispatches a check_run callback (spec §4.9). Only
// the `requested_action` action carries one of our own action button
// identifiers; a plain `rerequested` (the Platform's built-in "Re-run"
// button) has no identifier to dispatch and is logged as unsupported
// rather than invented behavior.
func (p *Pipeline) handleCheckRunJob(ctx context.Context, job *broker.Job) error {
	payload, err := parseCheckRunPayload(job.Payload)
	if err != nil {
		return err
	}

	if payload.Action != "requested_action" || payload.RequestedAction == nil {
		p.log.Info("ignoring unsupported check_run action", zap.String("action", payload.Action))
		return nil
	}

	owner, repoName := payload.owner(), payload.repoName()

	repoID, err := p.repo.GetRepositoryID(ctx, payload.Repository.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindNotFound, "resolve repository for check run callback")
	}

	req := publisher.CallbackRequest{
		InstallationID: payload.Installation.ID,
		Owner:          owner,
		Repo:           repoName,
		RepoID:         repoID,
		HeadSHA:        payload.CheckRun.HeadSHA,
		ActionID:       payload.RequestedAction.Identifier,
	}

	if req.ActionID == "rerun_failed" {
		run, err := p.repo.GetLatestWorkflowRun(ctx, repoID, payload.CheckRun.HeadSHA)
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindServiceUnavailable, "resolve workflow run for rerun callback")
		}
		if run == nil {
			return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("no workflow run ingested for %s@%s", repoID, payload.CheckRun.HeadSHA))
		}
		req.RunID = run.PlatformRunID
	}

	if err := p.publisher.HandleCallback(ctx, req); err != nil {
		return classifyPlatformErr(err, "handle check run callback")
	}
	return nil
}
