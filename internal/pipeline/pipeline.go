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

// Package pipeline wires the job executor that turns reserved Broker jobs
// into fetch -> parse -> ingest -> score -> decide -> publish work (spec
// §2 data flow, §5 concurrency model).
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/fetcher"
	"github.com/flakeguard/flakeguard/internal/ingestion"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/policy"
	"github.com/flakeguard/flakeguard/internal/publisher"
)

// jobKindWorkflowRun and jobKindCheckRun are the two job kinds this
// executor services; the other kinds webhook.jobKindFor recognizes
// (workflow_job, check_suite, pull_request, installation) are accepted
// at intake for future label/sync evaluation but have no executor logic
// yet, so the broker simply never sees Reserve calls for them.
const (
	jobKindWorkflowRun = "workflow_run"
	jobKindCheckRun    = "check_run"

	reserveVisibility = 10 * time.Minute
	idlePollInterval  = 500 * time.Millisecond
)

// Pipeline owns the job executor: one worker pool per job kind, each
// pulling from the Broker and driving the fetch/parse/ingest/score/decide
// /publish chain for a single job before acking or failing it.
type Pipeline struct {
	broker       broker.Broker
	fetcher      *fetcher.Fetcher
	repo         *ingestion.Repository
	policyLoader *policy.Loader
	publisher    *publisher.Publisher
	workers      config.WorkersConfig
	log          *zap.Logger
}

// New builds a Pipeline.
func New(b broker.Broker, f *fetcher.Fetcher, repo *ingestion.Repository, policyLoader *policy.Loader, pub *publisher.Publisher, workers config.WorkersConfig, log *zap.Logger) *Pipeline {
	return &Pipeline{
		broker:       b,
		fetcher:      f,
		repo:         repo,
		policyLoader: policyLoader,
		publisher:    pub,
		workers:      workers,
		log:          log,
	}
}

// Run starts the worker pools and blocks until ctx is cancelled or a
// worker returns a non-context error.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	concurrency := p.workers.ConcurrencyPerKind
	if concurrency <= 0 {
		concurrency = 4
	}

	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return p.runLoop(gctx, jobKindWorkflowRun, p.handleWorkflowRunJob) })
		g.Go(func() error { return p.runLoop(gctx, jobKindCheckRun, p.handleCheckRunJob) })
	}

	return g.Wait()
}

// runLoop reserves and handles jobs of kind until ctx is cancelled.
func (p *Pipeline) runLoop(ctx context.Context, kind string, handle func(context.Context, *broker.Job) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, token, err := p.broker.Reserve(ctx, kind, reserveVisibility)
		if err != nil {
			p.log.Error("failed to reserve job", zap.String("kind", kind), zap.Error(err))
			time.Sleep(idlePollInterval)
			continue
		}
		if job == nil {
			time.Sleep(idlePollInterval)
			continue
		}

		p.process(ctx, kind, job, token, handle)
	}
}

func (p *Pipeline) process(ctx context.Context, kind string, job *broker.Job, token broker.ReleaseToken, handle func(context.Context, *broker.Job) error) {
	deadline := p.workers.JobDeadline
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	timer := metrics.NewTimer()
	err := handle(jobCtx, job)
	if err == nil {
		metrics.RecordJobProcessed(kind, "ack", timer.Elapsed())
		if ackErr := p.broker.Ack(ctx, token); ackErr != nil {
			p.log.Error("failed to ack completed job", zap.String("kind", kind), zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		return
	}

	p.log.Error("job execution failed", zap.String("kind", kind), zap.String("job_id", job.ID), zap.Error(err))

	// validation_error on the payload itself will never succeed on retry;
	// per spec §7 it goes straight to dead-letter rather than consuming
	// the broker's backoff/attempts budget. The Broker capability has no
	// "force dead-letter now" call, so the closest equivalent within its
	// contract is to drop the job (Ack) after logging, rather than
	// repeatedly failing it until attempts are exhausted.
	if apperrors.IsKind(err, apperrors.KindValidation) {
		metrics.RecordJobProcessed(kind, "dropped", timer.Elapsed())
		if ackErr := p.broker.Ack(ctx, token); ackErr != nil {
			p.log.Error("failed to drop invalid job", zap.String("kind", kind), zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		return
	}

	if isRetryable(err) {
		metrics.RecordJobProcessed(kind, "retry", timer.Elapsed())
		if failErr := p.broker.Fail(ctx, token, err.Error()); failErr != nil {
			p.log.Error("failed to release job for retry", zap.String("kind", kind), zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return
	}

	// Non-retryable and not a validation error (e.g. artifact_expired,
	// permission_denied, not_found): log and complete without retrying.
	metrics.RecordJobProcessed(kind, "dropped", timer.Elapsed())
	if ackErr := p.broker.Ack(ctx, token); ackErr != nil {
		p.log.Error("failed to ack non-retryable job", zap.String("kind", kind), zap.String("job_id", job.ID), zap.Error(ackErr))
	}
}

func isRetryable(err error) bool {
	appErr, ok := err.(*apperrors.AppError)
	return ok && appErr.Retryable()
}
