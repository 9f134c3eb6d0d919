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

// Package retention runs the scheduled sweep that enforces spec.md §4.5's
// occurrence retention window, deleting rows older than the configured
// cutoff on a fixed interval.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/metrics"
)

// Pruner is the subset of internal/ingestion.Repository this job needs.
type Pruner interface {
	PruneOccurrences(ctx context.Context, before time.Time) (int64, error)
}

// Job ticks on a fixed interval, deleting occurrences older than RetainDays.
type Job struct {
	pruner     Pruner
	retainDays int
	interval   time.Duration
	log        *zap.Logger
}

// New builds a retention Job. A non-positive retainDays or interval falls
// back to the default cadence (90 days, 24 hours).
func New(pruner Pruner, retainDays int, interval time.Duration, log *zap.Logger) *Job {
	if retainDays <= 0 {
		retainDays = 90
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Job{pruner: pruner, retainDays: retainDays, interval: interval, log: log}
}

// Run ticks until ctx is cancelled, sweeping once immediately on start so
// a freshly deployed instance doesn't wait a full interval for its first run.
func (j *Job) Run(ctx context.Context) {
	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Job) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -j.retainDays)
	n, err := j.pruner.PruneOccurrences(ctx, cutoff)
	if err != nil {
		j.log.Error("retention sweep failed", zap.Error(err), zap.Time("cutoff", cutoff))
		metrics.RecordRetentionRun("failed", 0)
		return
	}
	j.log.Info("retention sweep complete", zap.Int64("pruned", n), zap.Time("cutoff", cutoff))
	metrics.RecordRetentionRun("success", n)
}
