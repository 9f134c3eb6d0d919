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

// Package webhook implements FlakeGuard's single inbound surface (spec
// §4.1, §6 POST /github/webhook): signature verification, delivery
// dedupe, event-kind normalization, and enqueue onto the Broker.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/metrics"
)

const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"

	maxBodyBytes = 25 << 20 // 25 MiB; webhook payloads are small JSON, not artifacts
)

// Handler serves POST /github/webhook.
type Handler struct {
	secret  string
	broker  broker.Broker
	dedupe  *DeliveryDeduper
	log     *zap.Logger
	enqueueAttempts int
}

// NewHandler builds a Handler. secret is the pre-shared webhook secret
// used for HMAC verification (spec §4.1).
func NewHandler(secret string, b broker.Broker, log *zap.Logger) *Handler {
	return &Handler{
		secret:          secret,
		broker:          b,
		dedupe:          NewDeliveryDeduper(10000),
		log:             log,
		enqueueAttempts: 3,
	}
}

type response struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	DeliveryID string `json:"deliveryId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ServeHTTP implements http.Handler, following the contract in spec §4.1:
// missing/invalid signature -> 401 and no enqueue; malformed payload -> 400;
// duplicate delivery -> 202 without re-enqueue; unrecognized event -> 202
// "not processed"; otherwise enqueue and 202 with the delivery ID echoed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deliveryID := r.Header.Get(headerDelivery)
	eventKind := r.Header.Get(headerEvent)
	signature := r.Header.Get(headerSignature)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Error: "failed to read request body"})
		return
	}

	if deliveryID == "" || eventKind == "" || signature == "" || !VerifySignature(h.secret, signature, body) {
		h.log.Warn("webhook signature verification failed",
			zap.String("delivery_id", deliveryID),
			zap.String("event", eventKind),
		)
		metrics.RecordWebhookDelivery(eventKind, "invalid_signature")
		writeJSON(w, http.StatusUnauthorized, response{Success: false, Error: "Invalid webhook signature"})
		return
	}

	if h.dedupe.SeenBefore(deliveryID) {
		metrics.RecordWebhookDelivery(eventKind, "duplicate")
		writeJSON(w, http.StatusAccepted, response{Success: true, Message: "duplicate delivery", DeliveryID: deliveryID})
		return
	}

	jobKind, interesting := jobKindFor(eventKind, body)
	if !interesting {
		metrics.RecordWebhookDelivery(eventKind, "unsupported_event")
		writeJSON(w, http.StatusAccepted, response{Success: true, Message: "not processed", DeliveryID: deliveryID})
		return
	}

	jobID, err := h.enqueueWithRetry(r.Context(), jobKind, body, deliveryID)
	if err != nil {
		h.log.Error("failed to enqueue webhook job",
			zap.String("delivery_id", deliveryID),
			zap.String("job_kind", jobKind),
			zap.Error(err),
		)
		metrics.RecordWebhookDelivery(eventKind, "enqueue_failed")
		writeJSON(w, http.StatusServiceUnavailable, response{Success: false, Error: "failed to enqueue job, please retry delivery"})
		return
	}

	h.log.Info("enqueued webhook job",
		zap.String("delivery_id", deliveryID),
		zap.String("job_kind", jobKind),
		zap.String("job_id", jobID),
	)
	metrics.RecordWebhookDelivery(eventKind, "accepted")
	metrics.RecordJobEnqueued(jobKind)
	writeJSON(w, http.StatusAccepted, response{Success: true, DeliveryID: deliveryID})
}

// enqueueWithRetry retries a handful of times before surfacing 503, per
// spec §4.1 ("Enqueue failures are retried a small number of times then
// surfaced as 503").
func (h *Handler) enqueueWithRetry(ctx context.Context, jobKind string, body []byte, deliveryID string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= h.enqueueAttempts; attempt++ {
		jobID, err := h.broker.Enqueue(ctx, jobKind, body, broker.EnqueueOptions{
			Priority:       priorityFor(jobKind),
			IdempotencyKey: deliveryID,
			MaxAttempts:    10,
			Backoff:        broker.DefaultBackoff(),
		})
		if err == nil {
			return jobID, nil
		}
		lastErr = err
	}
	return "", lastErr
}
