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
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flakeguard/flakeguard/internal/broker"
)

const downloadChunkSize = 64 << 10 // 64 KiB, per spec §4.6g

// DownloadArtifact streams the artifact identified by downloadURL into
// w without buffering the whole payload in memory (spec §4.3/§4.6g). It
// follows the platform's redirect to blob storage itself rather than
// relying on http.Client's default redirect policy, so that the
// Authorization header is dropped on the cross-host hop (required by
// most blob-storage backends, and avoids leaking the installation
// token to a third party).
func (c *Client) DownloadArtifact(ctx context.Context, installationID int64, downloadURL string, w io.Writer) (int64, error) {
	release, err := c.queue.Acquire(ctx, broker.PriorityNormal)
	if err != nil {
		return 0, err
	}
	defer release()

	var written int64
	err = c.retry.Do(ctx, func(attempt int) (time.Duration, error) {
		n, retryAfter, callErr := c.streamOnce(ctx, installationID, downloadURL, w)
		written = n
		return retryAfter, callErr
	})
	return written, err
}

func (c *Client) streamOnce(ctx context.Context, installationID int64, downloadURL string, w io.Writer) (int64, time.Duration, error) {
	if err := c.limiter.Wait(ctx, broker.PriorityNormal); err != nil {
		return 0, 0, newError(CodeTimeout, "rate limiter wait cancelled", err)
	}

	token, err := c.tokens.Get(ctx, installationID)
	if err != nil {
		return 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, 0, newError(CodeUnknown, "failed to build download request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	noRedirectClient := *c.httpClient
	noRedirectClient.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := noRedirectClient.Do(req)
	if err != nil {
		return 0, 0, newError(CodeServiceUnavailable, "artifact download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if location == "" {
			return 0, 0, newError(CodeUnknown, "redirect response missing Location header", nil)
		}
		blobReq, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return 0, 0, newError(CodeUnknown, "failed to build blob-storage request", err)
		}
		blobResp, err := c.httpClient.Do(blobReq)
		if err != nil {
			return 0, 0, newError(CodeServiceUnavailable, "blob storage request failed", err)
		}
		defer blobResp.Body.Close()
		return c.copyBody(blobResp, w)
	}

	return c.copyBody(resp, w)
}

func (c *Client) copyBody(resp *http.Response, w io.Writer) (int64, time.Duration, error) {
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return 0, 0, newError(CodeArtifactExpired, "artifact has expired or been deleted", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := classifyStatus(resp.StatusCode, false)
		retryAfter := retryAfterFromHeader(resp.Header, time.Now())
		appErr := newError(code, fmt.Sprintf("artifact download returned %d", resp.StatusCode), nil)
		appErr.RetryAfter = retryAfter.Seconds()
		return 0, retryAfter, appErr
	}

	buf := make([]byte, downloadChunkSize)
	n, err := io.CopyBuffer(w, resp.Body, buf)
	if err != nil {
		return n, 0, newError(CodeServiceUnavailable, "artifact download interrupted", err)
	}
	return n, 0, nil
}
