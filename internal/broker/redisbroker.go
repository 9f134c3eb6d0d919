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

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// multiplier is the exponential-backoff growth factor named in spec §4.2
// ("schedule next attempt with exponential backoff").
const multiplier = 2.0

// RedisBroker implements Broker on top of Redis sorted sets, giving
// durability across process restarts (spec §4.2 "an enqueued job survives
// process restart") at the cost of per-key ordering only, which is all the
// spec requires.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing *redis.Client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Ping verifies the Redis connection is reachable, for health checks.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func readyKey(kind string) string    { return "flakeguard:broker:ready:" + kind }
func delayedKey(kind string) string  { return "flakeguard:broker:delayed:" + kind }
func reservedKey(kind string) string { return "flakeguard:broker:reserved:" + kind }
func deadKey(kind string) string     { return "flakeguard:broker:dead:" + kind }
func jobKey(jobID string) string     { return "flakeguard:broker:job:" + jobID }
func idempotencyKey(kind, key string) string {
	return "flakeguard:broker:idem:" + kind + ":" + key
}

type jobRecord struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Payload     []byte   `json:"payload"`
	Priority    Priority `json:"priority"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"maxAttempts"`
	Backoff     Backoff  `json:"backoff"`
	EnqueuedAt  int64    `json:"enqueuedAt"`
	Lease       string   `json:"lease"`
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, kind string, payload []byte, opts EnqueueOptions) (string, error) {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}

	if opts.IdempotencyKey != "" {
		existing, err := b.client.Get(ctx, idempotencyKey(kind, opts.IdempotencyKey)).Result()
		if err == nil && existing != "" {
			return existing, nil
		}
		if err != nil && err != redis.Nil {
			return "", fmt.Errorf("broker: check idempotency key: %w", err)
		}
	}

	jobID := uuid.NewString()
	now := time.Now()
	rec := jobRecord{
		ID:          jobID,
		Kind:        kind,
		Payload:     payload,
		Priority:    opts.Priority,
		Attempt:     1,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now.UnixNano(),
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("broker: marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, jobKey(jobID), raw, 0)
	if opts.DelayMs > 0 {
		readyAt := now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
		pipe.ZAdd(ctx, delayedKey(kind), redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, readyKey(kind), redis.Z{Score: score(opts.Priority, now), Member: jobID})
	}
	if opts.IdempotencyKey != "" {
		pipe.Set(ctx, idempotencyKey(kind, opts.IdempotencyKey), jobID, 24*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("broker: enqueue: %w", err)
	}

	return jobID, nil
}

// score orders the ready set by priority first, then FIFO within a priority.
func score(p Priority, enqueuedAt time.Time) float64 {
	return p.Rank()*1e15 + float64(enqueuedAt.UnixMilli()%1e15)
}

// Reserve implements Broker. It first promotes any delayed or
// lease-expired jobs back into the ready set, then pops the
// highest-priority ready job for kind.
func (b *RedisBroker) Reserve(ctx context.Context, kind string, visibilityTimeout time.Duration) (*Job, ReleaseToken, error) {
	if err := b.promoteDelayed(ctx, kind); err != nil {
		return nil, ReleaseToken{}, err
	}
	if err := b.reclaimExpiredLeases(ctx, kind); err != nil {
		return nil, ReleaseToken{}, err
	}

	popped, err := b.client.ZPopMin(ctx, readyKey(kind), 1).Result()
	if err != nil {
		return nil, ReleaseToken{}, fmt.Errorf("broker: reserve: %w", err)
	}
	if len(popped) == 0 {
		return nil, ReleaseToken{}, nil
	}
	jobID := popped[0].Member.(string)

	rec, err := b.loadJob(ctx, jobID)
	if err != nil {
		return nil, ReleaseToken{}, err
	}

	lease := uuid.NewString()
	rec.Lease = lease
	if err := b.saveJob(ctx, rec); err != nil {
		return nil, ReleaseToken{}, err
	}

	deadline := time.Now().Add(visibilityTimeout)
	if err := b.client.ZAdd(ctx, reservedKey(kind), redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID}).Err(); err != nil {
		return nil, ReleaseToken{}, fmt.Errorf("broker: record lease: %w", err)
	}

	job := &Job{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		Priority:    rec.Priority,
		Attempt:     rec.Attempt,
		MaxAttempts: rec.MaxAttempts,
		EnqueuedAt:  time.Unix(0, rec.EnqueuedAt),
	}
	return job, ReleaseToken{JobID: jobID, Lease: lease}, nil
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, token ReleaseToken) error {
	rec, err := b.loadJob(ctx, token.JobID)
	if err != nil {
		return err
	}
	if rec.Lease != token.Lease {
		return fmt.Errorf("broker: ack: stale lease for job %s", token.JobID)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, reservedKey(rec.Kind), token.JobID)
	pipe.Del(ctx, jobKey(token.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: ack: %w", err)
	}
	return nil
}

// Fail implements Broker, scheduling a retry with exponential backoff or
// dead-lettering once MaxAttempts is exhausted (spec §4.2).
func (b *RedisBroker) Fail(ctx context.Context, token ReleaseToken, reason string) error {
	rec, err := b.loadJob(ctx, token.JobID)
	if err != nil {
		return err
	}
	if rec.Lease != token.Lease {
		return fmt.Errorf("broker: fail: stale lease for job %s", token.JobID)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, reservedKey(rec.Kind), token.JobID)

	if rec.Attempt >= rec.MaxAttempts {
		snapshot, marshalErr := json.Marshal(struct {
			jobRecord
			Reason string `json:"reason"`
		}{jobRecord: rec, Reason: reason})
		if marshalErr != nil {
			return fmt.Errorf("broker: marshal dead letter: %w", marshalErr)
		}
		pipe.LPush(ctx, deadKey(rec.Kind), snapshot)
		pipe.LTrim(ctx, deadKey(rec.Kind), 0, 999)
		pipe.Del(ctx, jobKey(token.JobID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("broker: dead-letter: %w", err)
		}
		return nil
	}

	rec.Attempt++
	rec.Lease = ""
	delay := backoffDelay(rec.Backoff, rec.Attempt)
	readyAt := time.Now().Add(delay)

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	pipe.Set(ctx, jobKey(token.JobID), raw, 0)
	pipe.ZAdd(ctx, delayedKey(rec.Kind), redis.Z{Score: float64(readyAt.UnixMilli()), Member: token.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: schedule retry: %w", err)
	}
	return nil
}

// DeadLetters implements Broker.
func (b *RedisBroker) DeadLetters(ctx context.Context, kind string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := b.client.LRange(ctx, deadKey(kind), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var rec jobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		jobs = append(jobs, Job{
			ID:          rec.ID,
			Kind:        rec.Kind,
			Payload:     rec.Payload,
			Priority:    rec.Priority,
			Attempt:     rec.Attempt,
			MaxAttempts: rec.MaxAttempts,
			EnqueuedAt:  time.Unix(0, rec.EnqueuedAt),
		})
	}
	return jobs, nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) promoteDelayed(ctx context.Context, kind string) error {
	now := float64(time.Now().UnixMilli())
	ids, err := b.client.ZRangeByScore(ctx, delayedKey(kind), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("broker: promote delayed: %w", err)
	}
	for _, id := range ids {
		rec, err := b.loadJob(ctx, id)
		if err != nil {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(kind), id)
		pipe.ZAdd(ctx, readyKey(kind), redis.Z{Score: score(rec.Priority, time.Now()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("broker: promote delayed: %w", err)
		}
	}
	return nil
}

// reclaimExpiredLeases moves jobs whose visibility timeout has elapsed
// without an Ack/Fail back onto the ready set, without incrementing their
// attempt count — the worker that held the lease is assumed to have
// crashed, not to have genuinely failed the job.
func (b *RedisBroker) reclaimExpiredLeases(ctx context.Context, kind string) error {
	now := float64(time.Now().UnixMilli())
	ids, err := b.client.ZRangeByScore(ctx, reservedKey(kind), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("broker: reclaim leases: %w", err)
	}
	for _, id := range ids {
		rec, err := b.loadJob(ctx, id)
		if err != nil {
			continue
		}
		rec.Lease = ""
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.Set(ctx, jobKey(id), raw, 0)
		pipe.ZRem(ctx, reservedKey(kind), id)
		pipe.ZAdd(ctx, readyKey(kind), redis.Z{Score: score(rec.Priority, time.Now()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("broker: reclaim leases: %w", err)
		}
	}
	return nil
}

func (b *RedisBroker) loadJob(ctx context.Context, jobID string) (jobRecord, error) {
	raw, err := b.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		return jobRecord{}, fmt.Errorf("broker: load job %s: %w", jobID, err)
	}
	var rec jobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return jobRecord{}, fmt.Errorf("broker: decode job %s: %w", jobID, err)
	}
	return rec, nil
}

func (b *RedisBroker) saveJob(ctx context.Context, rec jobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	if err := b.client.Set(ctx, jobKey(rec.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("broker: save job: %w", err)
	}
	return nil
}

// backoffDelay computes min(base*mult^(n-1), cap) with uniform jitter, per
// spec §4.2/§4.6e's shared retry formula.
func backoffDelay(b Backoff, attempt int) time.Duration {
	base := b.Base
	cap := b.Cap
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}

	raw := float64(base) * pow(multiplier, float64(attempt-1))
	if raw > float64(cap) {
		raw = float64(cap)
	}

	jitterFactor := b.Jitter
	if jitterFactor <= 0 {
		jitterFactor = 0.25
	}
	jitter := raw * jitterFactor * (2*rand.Float64() - 1)
	delay := time.Duration(raw + jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
