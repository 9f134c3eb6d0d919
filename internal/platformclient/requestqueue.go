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

package platformclient

import (
	"container/heap"
	"context"
	"sync"

	"github.com/flakeguard/flakeguard/internal/broker"
)

// RequestQueue bounds the number of in-flight and waiting outbound calls
// so a platform-side slowdown cannot let callers pile up unboundedly
// (spec §4.6d). Admission is priority-ordered: a queued critical-priority
// call (e.g. a user-initiated re-run request relayed through a check-run
// action) jumps ahead of queued low-priority calls, but never ahead of a
// call already admitted and running.
type RequestQueue struct {
	mu        sync.Mutex
	capacity  int
	waitLimit int
	inFlight  int
	waiting   pendingHeap
	seq       int
}

type pendingTicket struct {
	priority broker.Priority
	seq      int
	ready    chan struct{}
}

type pendingHeap []*pendingTicket

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority.Rank() != h[j].priority.Rank() {
		return h[i].priority.Rank() < h[j].priority.Rank()
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(*pendingTicket)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewRequestQueue builds a queue admitting at most capacity concurrent
// calls, with up to waitLimit additional callers permitted to wait for a
// slot before Acquire fails fast with CodeQueueFull.
func NewRequestQueue(capacity, waitLimit int) *RequestQueue {
	return &RequestQueue{capacity: capacity, waitLimit: waitLimit}
}

// Acquire blocks until a slot is available (respecting priority order
// among waiters) or ctx is cancelled, or returns CodeQueueFull
// immediately if the wait list is already saturated.
func (q *RequestQueue) Acquire(ctx context.Context, priority broker.Priority) (release func(), err error) {
	q.mu.Lock()
	if q.inFlight < q.capacity && q.waiting.Len() == 0 {
		q.inFlight++
		q.mu.Unlock()
		return q.releaseFunc(), nil
	}
	if q.waiting.Len() >= q.waitLimit {
		q.mu.Unlock()
		return nil, newError(CodeQueueFull, "request queue is saturated", nil)
	}

	q.seq++
	ticket := &pendingTicket{priority: priority, seq: q.seq, ready: make(chan struct{})}
	heap.Push(&q.waiting, ticket)
	q.mu.Unlock()

	select {
	case <-ticket.ready:
		return q.releaseFunc(), nil
	case <-ctx.Done():
		q.cancelTicket(ticket)
		return nil, ctx.Err()
	}
}

func (q *RequestQueue) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.waiting.Len() > 0 {
				next := heap.Pop(&q.waiting).(*pendingTicket)
				close(next.ready)
				return
			}
			q.inFlight--
		})
	}
}

func (q *RequestQueue) cancelTicket(t *pendingTicket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, candidate := range q.waiting {
		if candidate == t {
			heap.Remove(&q.waiting, i)
			return
		}
	}
}

// Len reports the number of callers currently waiting for a slot.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len()
}

// InFlight reports the number of callers currently holding a slot.
func (q *RequestQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}
