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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// AppCredentials identifies the GitHub App minting installation tokens
// (spec §4.6a, config §A: GitHubAppConfig).
type AppCredentials struct {
	AppID      int64
	PrivateKey []byte // PEM-encoded RSA private key
}

// installationToken is the cached, per-installation access token plus
// its platform-declared expiry.
type installationToken struct {
	token     string
	expiresAt time.Time
}

// expired reports whether t should be refreshed, applying a safety
// margin so a request in flight never races the platform's own expiry.
func (t installationToken) expired(now time.Time) bool {
	return t.token == "" || now.After(t.expiresAt.Add(-refreshSkew))
}

const refreshSkew = 60 * time.Second

// TokenCache mints and caches per-installation access tokens, using
// singleflight so N concurrent callers needing the same installation's
// token during a cold/expired cache produce exactly one token-exchange
// call to the platform (spec §4.6a: "token refresh is single-flighted
// per installation").
type TokenCache struct {
	creds      AppCredentials
	httpClient *http.Client
	baseURL    string

	mu     sync.Mutex
	tokens map[int64]installationToken

	group singleflight.Group
	now   func() time.Time
}

// NewTokenCache builds a TokenCache that exchanges tokens against
// baseURL (the platform's REST API root, e.g. "https://api.github.com").
func NewTokenCache(creds AppCredentials, baseURL string, httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenCache{
		creds:      creds,
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     make(map[int64]installationToken),
		now:        time.Now,
	}
}

// Get returns a live access token for installationID, minting (and
// single-flighting) a fresh one when the cached entry is missing or
// within refreshSkew of expiry.
func (c *TokenCache) Get(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[installationID]
	c.mu.Unlock()
	if ok && !cached.expired(c.now()) {
		return cached.token, nil
	}

	key := fmt.Sprintf("install-token:%d", installationID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.exchange(ctx, installationID)
	})
	if err != nil {
		return "", err
	}
	tok := v.(installationToken)

	c.mu.Lock()
	c.tokens[installationID] = tok
	c.mu.Unlock()
	return tok.token, nil
}

// mintAppJWT signs a short-lived JSON Web Token identifying the GitHub
// App itself, used as the bearer credential for the installation-token
// exchange endpoint (spec §4.6a).
func (c *TokenCache) mintAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.creds.PrivateKey)
	if err != nil {
		return "", newError(CodePermissionDenied, "invalid app private key", err)
	}

	now := c.now()
	claims := jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": fmt.Sprintf("%d", c.creds.AppID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", newError(CodePermissionDenied, "failed to sign app jwt", err)
	}
	return signed, nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *TokenCache) exchange(ctx context.Context, installationID int64) (installationToken, error) {
	appJWT, err := c.mintAppJWT()
	if err != nil {
		return installationToken{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return installationToken{}, newError(CodeUnknown, "failed to build token exchange request", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return installationToken{}, newError(CodeServiceUnavailable, "token exchange request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		code := classifyStatus(resp.StatusCode, false)
		return installationToken{}, newError(code, fmt.Sprintf("token exchange returned %d", resp.StatusCode), nil)
	}

	var body installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return installationToken{}, newError(CodeUnknown, "failed to decode token exchange response", err)
	}

	return installationToken{token: body.Token, expiresAt: body.ExpiresAt}, nil
}

// Invalidate drops the cached token for installationID, forcing the
// next Get to mint a fresh one. Used when a call fails with
// CodePermissionDenied, since that can mean the cached token was
// revoked out of band.
func (c *TokenCache) Invalidate(installationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, installationID)
}
