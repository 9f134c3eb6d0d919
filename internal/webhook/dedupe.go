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

package webhook

import (
	"container/list"
	"sync"
)

// DeliveryDeduper keeps a bounded last-N set of delivery identifiers in
// memory, per spec §4.1 ("keep a bounded last-N set of delivery
// identifiers; drop duplicates"). It is a best-effort, single-process
// complement to the Broker's own idempotency-key enqueue (§4.2); a
// process restart simply forgets recent deliveries, which is safe because
// ingestion itself is idempotent (invariant 3).
type DeliveryDeduper struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	seen     map[string]*list.Element
}

// NewDeliveryDeduper creates a deduper retaining the most recent capacity
// delivery identifiers.
func NewDeliveryDeduper(capacity int) *DeliveryDeduper {
	if capacity <= 0 {
		capacity = 10000
	}
	return &DeliveryDeduper{
		capacity: capacity,
		order:    list.New(),
		seen:     make(map[string]*list.Element, capacity),
	}
}

// SeenBefore records deliveryID and reports whether it had already been
// recorded. A duplicate delivery is moved to the front (most-recently-seen)
// without changing the set's membership.
func (d *DeliveryDeduper) SeenBefore(deliveryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.seen[deliveryID]; ok {
		d.order.MoveToFront(elem)
		return true
	}

	elem := d.order.PushFront(deliveryID)
	d.seen[deliveryID] = elem

	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}

	return false
}

// Len reports how many delivery identifiers are currently retained.
func (d *DeliveryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
