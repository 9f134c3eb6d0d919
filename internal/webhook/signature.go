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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature recomputes the HMAC-SHA256 of body using secret and
// compares it, in constant time, against the hex digest carried in
// header (expected form "sha256=<hex>"), per spec §4.1/§4.6h.
//
// It returns false for any malformed header without ever branching on
// the content of the digest itself, so the work done is independent of
// how many hex characters happen to match — the constant-time compare
// dominates the cost regardless of header validity.
func VerifySignature(secret, header string, body []byte) bool {
	digestHex, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}

	expected, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := mac.Sum(nil)

	return hmac.Equal(computed, expected)
}
