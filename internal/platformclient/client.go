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

// Package platformclient is the single gateway for every outbound call
// to the CI platform (spec §4.6): it owns the installation token cache,
// the primary/secondary rate limiters, the bounded priority request
// queue, retry-with-backoff, and per-endpoint circuit breaking, so that
// the fetcher, the publisher, and the action-callback handler never
// talk to the platform's HTTP API directly.
package platformclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/platformclient/circuitbreaker"
)

// Client is the resilient outbound gateway described in spec §4.6.
// Every exported method routes through Do, so every call shares the
// same queue, limiter, retry policy, and breaker state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     *TokenCache
	limiter    *RateLimiter
	queue      *RequestQueue
	retry      RetryPolicy
	breakers   *circuitbreaker.Manager
	log        *zap.Logger
}

// Breakers exposes the circuit breaker manager for health reporting
// (spec §6 GET /health/detailed); it grants no way to execute calls.
func (c *Client) Breakers() *circuitbreaker.Manager {
	return c.breakers
}

// Config bundles the construction-time parameters for a Client.
type Config struct {
	BaseURL             string
	Creds               AppCredentials
	QueueDepth          int
	QueueWait           int
	Retry               RetryPolicy
	RateLimit           RateLimiterSettings
	Breaker             gobreaker.Settings
	BreakerSuccessRatio float64
	HTTPClient          *http.Client
}

// NewClient wires up a Client per spec §4.6's layering: queue admission
// happens first (cheapest to reject), then the rate limiter, then the
// circuit breaker, then the actual HTTP call with retry around it.
func NewClient(cfg Config, log *zap.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	queueDepth := cfg.QueueDepth
	if queueDepth == 0 {
		queueDepth = 10
	}
	queueWait := cfg.QueueWait
	if queueWait == 0 {
		queueWait = 100
	}
	breakerSettings := cfg.Breaker
	if breakerSettings.Timeout == 0 {
		breakerSettings = circuitbreaker.DefaultSettings()
	}

	manager := circuitbreaker.NewManager(breakerSettings, cfg.BreakerSuccessRatio)
	if log != nil {
		manager.Observe(func(name string, from, to gobreaker.State) {
			log.Info("platform client circuit breaker state change",
				zap.String("endpoint", name), zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.SetCircuitBreakerState(name, to.String())
		})
	} else {
		manager.Observe(func(name string, _, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, to.String())
		})
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		tokens:     NewTokenCache(cfg.Creds, cfg.BaseURL, httpClient),
		limiter:    NewRateLimiter(cfg.RateLimit),
		queue:      NewRequestQueue(queueDepth, queueWait),
		retry:      retry,
		breakers:   manager,
		log:        log,
	}
}

// Request describes one outbound call routed through Do.
type Request struct {
	Method         string
	Path           string // relative to baseURL, e.g. "/repos/o/r/check-runs"
	InstallationID int64
	Priority       broker.Priority
	Body           any               // marshaled as JSON when non-nil
	Headers        map[string]string // e.g. If-None-Match for conditional GETs
	Endpoint       string            // breaker isolation key, e.g. "check-runs", "artifacts"
}

// RawResponse carries the status and headers of a call made through
// DoRaw, for callers (like the policy loader) that need the ETag or a
// 304/404 distinction rather than just a decode-or-fail outcome.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DoRaw behaves like Do but returns the raw response instead of
// decoding JSON, and does not treat 304/404 as retryable failures —
// the caller interprets status codes itself (spec §4.8's conditional
// GET contract needs to see a 304 without that becoming a retry loop).
func (c *Client) DoRaw(ctx context.Context, req Request) (*RawResponse, error) {
	release, err := c.queue.Acquire(ctx, req.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	var raw *RawResponse
	err = c.retry.Do(ctx, func(attempt int) (time.Duration, error) {
		if waitErr := c.limiter.Wait(ctx, req.Priority); waitErr != nil {
			return 0, newError(CodeTimeout, "rate limiter wait cancelled", waitErr)
		}
		result, callErr := c.breakers.Execute(ctx, breakerEndpoint(req), func() (any, error) {
			return c.doHTTPRaw(ctx, req)
		})
		if callErr != nil {
			if errors.Is(callErr, gobreaker.ErrOpenState) || errors.Is(callErr, gobreaker.ErrTooManyRequests) {
				return 0, newError(CodeCircuitBreakerOpen, fmt.Sprintf("circuit open for %s", breakerEndpoint(req)), callErr)
			}
			return extractRetryAfter(callErr), callErr
		}
		raw = result.(*RawResponse)
		return 0, nil
	})
	return raw, err
}

func breakerEndpoint(req Request) string {
	if req.Endpoint != "" {
		return req.Endpoint
	}
	return req.Path
}

func (c *Client) doHTTPRaw(ctx context.Context, req Request) (any, error) {
	token, err := c.tokens.Get(ctx, req.InstallationID)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, nil)
	if err != nil {
		return nil, newError(CodeUnknown, "failed to build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newError(CodeServiceUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	c.limiter.ObserveHeaders(resp.Header)
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(req.InstallationID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(CodeServiceUnavailable, "failed to read response body", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		appErr := newError(classifyStatus(resp.StatusCode, false), fmt.Sprintf("platform returned %d for %s %s", resp.StatusCode, req.Method, req.Path), nil)
		appErr.RetryAfter = retryAfterFromHeader(resp.Header, time.Now()).Seconds()
		return nil, appErr
	}

	return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Do executes req through the full resilience stack and decodes the
// JSON response body into out (skipped when out is nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	release, err := c.queue.Acquire(ctx, req.Priority)
	if err != nil {
		return err
	}
	defer release()

	endpoint := breakerEndpoint(req)
	timer := metrics.NewTimer()
	err = c.retry.Do(ctx, func(attempt int) (time.Duration, error) {
		return c.attempt(ctx, req, out)
	})
	code := "ok"
	if err != nil {
		code = string(GetCode(err))
	}
	metrics.RecordPlatformRequest(endpoint, code, timer.Elapsed())
	return err
}

func (c *Client) attempt(ctx context.Context, req Request, out any) (time.Duration, error) {
	if err := c.limiter.Wait(ctx, req.Priority); err != nil {
		return 0, newError(CodeTimeout, "rate limiter wait cancelled", err)
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Path
	}

	_, err := c.breakers.Execute(ctx, endpoint, func() (any, error) {
		return c.doHTTP(ctx, req, out)
	})
	if err == nil {
		return 0, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, newError(CodeCircuitBreakerOpen, fmt.Sprintf("circuit open for %s", endpoint), err)
	}
	return extractRetryAfter(err), err
}

func extractRetryAfter(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return time.Duration(ce.RetryAfter * float64(time.Second))
	}
	return 0
}

func (c *Client) doHTTP(ctx context.Context, req Request, out any) (any, error) {
	token, err := c.tokens.Get(ctx, req.InstallationID)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, newError(CodeUnknown, "failed to marshal request body", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return nil, newError(CodeUnknown, "failed to build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newError(CodeServiceUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	c.limiter.ObserveHeaders(resp.Header)

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := retryAfterFromHeader(resp.Header, time.Now()); retryAfter > 0 {
			c.limiter.TriggerSecondary(retryAfter)
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(req.InstallationID)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rateLimited := resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
		code := classifyStatus(resp.StatusCode, rateLimited)
		appErr := newError(code, fmt.Sprintf("platform returned %d for %s %s", resp.StatusCode, req.Method, req.Path), nil)
		appErr.RetryAfter = retryAfterFromHeader(resp.Header, time.Now()).Seconds()
		return nil, appErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, newError(CodeUnknown, "failed to decode response body", err)
		}
	}
	return out, nil
}
