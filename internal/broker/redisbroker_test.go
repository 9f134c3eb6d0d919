package broker

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RedisBroker", func() {
	var (
		mr     *miniredis.Miniredis
		client *redis.Client
		b      *RedisBroker
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		b = NewRedisBroker(client)
		ctx = context.Background()
	})

	AfterEach(func() {
		client.Close()
		mr.Close()
	})

	It("enqueues and reserves a job", func() {
		jobID, err := b.Enqueue(ctx, "workflow_run", []byte(`{"x":1}`), EnqueueOptions{Priority: PriorityNormal, MaxAttempts: 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(jobID).NotTo(BeEmpty())

		job, token, err := b.Reserve(ctx, "workflow_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(job).NotTo(BeNil())
		Expect(job.ID).To(Equal(jobID))
		Expect(job.Attempt).To(Equal(1))
		Expect(token.JobID).To(Equal(jobID))
	})

	It("returns nil when nothing is ready", func() {
		job, _, err := b.Reserve(ctx, "check_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(job).To(BeNil())
	})

	It("deduplicates by idempotency key", func() {
		first, err := b.Enqueue(ctx, "workflow_run", []byte("a"), EnqueueOptions{IdempotencyKey: "D1", MaxAttempts: 3})
		Expect(err).NotTo(HaveOccurred())

		second, err := b.Enqueue(ctx, "workflow_run", []byte("a"), EnqueueOptions{IdempotencyKey: "D1", MaxAttempts: 3})
		Expect(err).NotTo(HaveOccurred())

		Expect(second).To(Equal(first))
	})

	It("reserves higher priority jobs first", func() {
		_, err := b.Enqueue(ctx, "check_run", []byte("low"), EnqueueOptions{Priority: PriorityLow, MaxAttempts: 3})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Enqueue(ctx, "check_run", []byte("critical"), EnqueueOptions{Priority: PriorityCritical, MaxAttempts: 3})
		Expect(err).NotTo(HaveOccurred())

		job, _, err := b.Reserve(ctx, "check_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(job.Payload)).To(Equal("critical"))
	})

	It("acks a reserved job so it cannot be reserved again", func() {
		_, err := b.Enqueue(ctx, "workflow_run", []byte("a"), EnqueueOptions{MaxAttempts: 3})
		Expect(err).NotTo(HaveOccurred())

		job, token, err := b.Reserve(ctx, "workflow_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(job).NotTo(BeNil())

		Expect(b.Ack(ctx, token)).To(Succeed())

		again, _, err := b.Reserve(ctx, "workflow_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeNil())
	})

	It("dead-letters a job once max attempts are exhausted", func() {
		_, err := b.Enqueue(ctx, "workflow_run", []byte("a"), EnqueueOptions{MaxAttempts: 1, Backoff: Backoff{Base: time.Millisecond, Cap: time.Millisecond, Jitter: 0}})
		Expect(err).NotTo(HaveOccurred())

		_, token, err := b.Reserve(ctx, "workflow_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Fail(ctx, token, "boom")).To(Succeed())

		letters, err := b.DeadLetters(ctx, "workflow_run", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(letters).To(HaveLen(1))
	})

	It("schedules a retry with backoff when attempts remain", func() {
		_, err := b.Enqueue(ctx, "workflow_run", []byte("a"), EnqueueOptions{MaxAttempts: 3, Backoff: Backoff{Base: time.Millisecond, Cap: time.Second, Jitter: 0}})
		Expect(err).NotTo(HaveOccurred())

		_, token, err := b.Reserve(ctx, "workflow_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Fail(ctx, token, "transient")).To(Succeed())

		time.Sleep(10 * time.Millisecond)

		job, _, err := b.Reserve(ctx, "workflow_run", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(job).NotTo(BeNil())
		Expect(job.Attempt).To(Equal(2))
	})
})
