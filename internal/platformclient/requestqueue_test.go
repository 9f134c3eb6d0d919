package platformclient

import (
	"context"
	"time"

	"github.com/flakeguard/flakeguard/internal/broker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RequestQueue", func() {
	It("admits up to capacity concurrently", func() {
		q := NewRequestQueue(2, 5)
		release1, err := q.Acquire(context.Background(), broker.PriorityNormal)
		Expect(err).NotTo(HaveOccurred())
		release2, err := q.Acquire(context.Background(), broker.PriorityNormal)
		Expect(err).NotTo(HaveOccurred())
		Expect(q.InFlight()).To(Equal(2))
		release1()
		release2()
	})

	It("fails fast with CodeQueueFull once the wait list saturates", func() {
		q := NewRequestQueue(1, 1)
		release, err := q.Acquire(context.Background(), broker.PriorityNormal)
		Expect(err).NotTo(HaveOccurred())

		go func() {
			_, _ = q.Acquire(context.Background(), broker.PriorityLow)
		}()
		Eventually(q.Len).Should(Equal(1))

		_, err = q.Acquire(context.Background(), broker.PriorityLow)
		Expect(err).To(HaveOccurred())
		Expect(GetCode(err)).To(Equal(CodeQueueFull))

		release()
	})

	It("serves higher-priority waiters before lower-priority ones", func() {
		q := NewRequestQueue(1, 5)
		release, err := q.Acquire(context.Background(), broker.PriorityNormal)
		Expect(err).NotTo(HaveOccurred())

		order := make(chan broker.Priority, 2)
		go func() {
			_, _ = q.Acquire(context.Background(), broker.PriorityLow)
			order <- broker.PriorityLow
		}()
		Eventually(q.Len).Should(Equal(1))
		go func() {
			_, _ = q.Acquire(context.Background(), broker.PriorityCritical)
			order <- broker.PriorityCritical
		}()
		Eventually(q.Len).Should(Equal(2))

		release()

		Eventually(order).Should(Receive(Equal(broker.PriorityCritical)))
	})

	It("respects context cancellation while waiting", func() {
		q := NewRequestQueue(1, 5)
		release, err := q.Acquire(context.Background(), broker.PriorityNormal)
		Expect(err).NotTo(HaveOccurred())
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = q.Acquire(ctx, broker.PriorityLow)
		Expect(err).To(HaveOccurred())
	})
})
