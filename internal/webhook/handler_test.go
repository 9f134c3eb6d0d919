package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/broker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const testSecret = "S"

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// fakeBroker is an in-memory stand-in for broker.Broker, enough to
// exercise the intake handler without a live Redis.
type fakeBroker struct {
	enqueued      []fakeEnqueueCall
	failEnqueue   bool
	idempotencies map[string]string
}

type fakeEnqueueCall struct {
	Kind string
	Opts broker.EnqueueOptions
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{idempotencies: map[string]string{}}
}

func (f *fakeBroker) Enqueue(_ context.Context, kind string, _ []byte, opts broker.EnqueueOptions) (string, error) {
	if f.failEnqueue {
		return "", errBoom
	}
	if opts.IdempotencyKey != "" {
		if id, ok := f.idempotencies[opts.IdempotencyKey]; ok {
			return id, nil
		}
	}
	f.enqueued = append(f.enqueued, fakeEnqueueCall{Kind: kind, Opts: opts})
	id := "job-" + opts.IdempotencyKey
	if opts.IdempotencyKey != "" {
		f.idempotencies[opts.IdempotencyKey] = id
	}
	return id, nil
}

func (f *fakeBroker) Reserve(context.Context, string, time.Duration) (*broker.Job, broker.ReleaseToken, error) {
	return nil, broker.ReleaseToken{}, nil
}
func (f *fakeBroker) Ack(context.Context, broker.ReleaseToken) error            { return nil }
func (f *fakeBroker) Fail(context.Context, broker.ReleaseToken, string) error   { return nil }
func (f *fakeBroker) DeadLetters(context.Context, string, int) ([]broker.Job, error) {
	return nil, nil
}
func (f *fakeBroker) Close() error { return nil }

var errBoom = &brokerBoom{}

type brokerBoom struct{}

func (*brokerBoom) Error() string { return "broker unavailable" }

var _ = Describe("Handler", func() {
	var (
		fb *fakeBroker
		h  *Handler
	)

	BeforeEach(func() {
		fb = newFakeBroker()
		h = NewHandler(testSecret, fb, zap.NewNop())
	})

	post := func(eventKind, deliveryID string, body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(string(body)))
		req.Header.Set(headerEvent, eventKind)
		req.Header.Set(headerDelivery, deliveryID)
		if signature != "" {
			req.Header.Set(headerSignature, signature)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// Scenario A
	It("enqueues a job and responds 202 for a signed workflow_run completed event", func() {
		body := []byte(`{"action":"completed","workflow_run":{"id":123456789},"repository":{"full_name":"owner/test-repo"},"installation":{"id":54321}}`)
		sig := sign(testSecret, body)

		rec := post("workflow_run", "D1", body, sig)

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		var resp response
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Success).To(BeTrue())
		Expect(resp.DeliveryID).To(Equal("D1"))
		Expect(fb.enqueued).To(HaveLen(1))
		Expect(fb.enqueued[0].Kind).To(Equal("workflow_run"))
	})

	// Scenario B
	It("rejects an invalid signature with 401 and does not enqueue", func() {
		body := []byte(`{"action":"completed"}`)

		rec := post("workflow_run", "D1", body, "sha256=invalid-signature")

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		var resp response
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Success).To(BeFalse())
		Expect(resp.Error).To(Equal("Invalid webhook signature"))
		Expect(fb.enqueued).To(BeEmpty())
	})

	// Scenario C
	It("responds 202 'not processed' for an unsupported event and does not enqueue", func() {
		body := []byte(`{"action":"opened"}`)
		sig := sign(testSecret, body)

		rec := post("issues", "D2", body, sig)

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		var resp response
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Message).To(ContainSubstring("not processed"))
		Expect(fb.enqueued).To(BeEmpty())
	})

	It("drops duplicate deliveries with 202 and does not re-enqueue", func() {
		body := []byte(`{"action":"completed"}`)
		sig := sign(testSecret, body)

		first := post("workflow_run", "D3", body, sig)
		Expect(first.Code).To(Equal(http.StatusAccepted))
		Expect(fb.enqueued).To(HaveLen(1))

		second := post("workflow_run", "D3", body, sig)
		Expect(second.Code).To(Equal(http.StatusAccepted))
		Expect(fb.enqueued).To(HaveLen(1), "duplicate delivery must not enqueue again")
	})

	It("returns 401 when headers are missing entirely", func() {
		body := []byte(`{"action":"completed"}`)
		rec := post("workflow_run", "D4", body, "")
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("surfaces a 503 when the broker cannot be reached", func() {
		fb.failEnqueue = true
		body := []byte(`{"action":"completed"}`)
		sig := sign(testSecret, body)

		rec := post("workflow_run", "D5", body, sig)
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("routes user-initiated check_run actions to a high priority", func() {
		body := []byte(`{"action":"requested_action"}`)
		sig := sign(testSecret, body)

		post("check_run", "D6", body, sig)

		Expect(fb.enqueued).To(HaveLen(1))
		Expect(fb.enqueued[0].Opts.Priority).To(Equal(broker.PriorityHigh))
	})
})
