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

// Package broker defines the durable priority/delayed queue capability
// used by intake to enqueue jobs and by the job executor to reserve,
// ack, and fail them (spec §4.2). The interface is the contract; Redis
// is the only shipped implementation.
package broker

import (
	"context"
	"time"
)

// Priority orders jobs within a single reservation call: critical > high
// > normal > low (spec §4.2/§4.6a).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityRank gives Redis sorted-set ordering: lower rank pops first.
var priorityRank = map[Priority]float64{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Rank returns the sort weight for p; unknown priorities sort last.
func (p Priority) Rank() float64 {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return 4
}

// Backoff describes the retry backoff applied after a job Fail, per
// spec §4.2: base 2s, cap 5min, ±25% jitter by default.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff is the default delayed-retry backoff tuning.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute, Jitter: 0.25}
}

// EnqueueOptions configures one Enqueue call (spec §4.2).
type EnqueueOptions struct {
	Priority       Priority
	DelayMs        int64
	IdempotencyKey string
	MaxAttempts    int
	Backoff        Backoff
}

// Job is one unit of work reserved from the queue.
type Job struct {
	ID          string
	Kind        string
	Payload     []byte
	Priority    Priority
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// ReleaseToken identifies a specific reservation so Ack/Fail acts on the
// correct lease even if another worker has since reserved the same job ID
// after a previous lease expired.
type ReleaseToken struct {
	JobID string
	Lease string
}

// Broker is the capability contract from spec §4.2. It is implemented by
// internal/broker/redisbroker and may be swapped for any durable
// priority/delayed queue without touching intake or the job executor.
type Broker interface {
	// Enqueue writes a job durably with the given idempotency key, returning
	// its job ID. Enqueuing the same idempotency key twice returns the
	// original job ID without creating a duplicate.
	Enqueue(ctx context.Context, kind string, payload []byte, opts EnqueueOptions) (jobID string, err error)

	// Reserve pops the highest-priority ready job of kind, if any, granting
	// a visibility-timeout lease represented by the returned ReleaseToken.
	Reserve(ctx context.Context, kind string, visibilityTimeout time.Duration) (*Job, ReleaseToken, error)

	// Ack permanently removes the job associated with token.
	Ack(ctx context.Context, token ReleaseToken) error

	// Fail releases the job for retry with exponential backoff, or moves it
	// to the dead-letter set once MaxAttempts is exhausted.
	Fail(ctx context.Context, token ReleaseToken, reason string) error

	// DeadLetters returns up to limit dead-lettered jobs of kind, newest first.
	DeadLetters(ctx context.Context, kind string, limit int) ([]Job, error)

	// Close releases any underlying connection.
	Close() error
}
