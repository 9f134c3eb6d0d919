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

package pipeline

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/platformclient"
)

var _ = Describe("classifyPlatformErr", func() {
	It("returns nil for a nil error", func() {
		Expect(classifyPlatformErr(nil, "op")).To(BeNil())
	})

	It("maps a rate-limited platform error to KindRateLimited", func() {
		err := &platformclient.Error{Code: platformclient.CodeRateLimited, Message: "rate limited"}
		out := classifyPlatformErr(err, "op")
		Expect(apperrors.IsKind(out, apperrors.KindRateLimited)).To(BeTrue())
	})

	It("maps an artifact-expired platform error to KindArtifactExpired", func() {
		err := &platformclient.Error{Code: platformclient.CodeArtifactExpired, Message: "gone"}
		out := classifyPlatformErr(err, "op")
		Expect(apperrors.IsKind(out, apperrors.KindArtifactExpired)).To(BeTrue())
	})

	It("maps a circuit-breaker-open platform error to KindCircuitOpen", func() {
		err := &platformclient.Error{Code: platformclient.CodeCircuitBreakerOpen, Message: "open"}
		out := classifyPlatformErr(err, "op")
		Expect(apperrors.IsKind(out, apperrors.KindCircuitOpen)).To(BeTrue())
	})

	It("falls back to KindServiceUnavailable for an unmapped code", func() {
		err := &platformclient.Error{Code: platformclient.CodeWebhookVerificationFailed, Message: "n/a"}
		out := classifyPlatformErr(err, "op")
		Expect(apperrors.IsKind(out, apperrors.KindServiceUnavailable)).To(BeTrue())
	})

	It("falls back to KindServiceUnavailable for a plain, unclassified error", func() {
		out := classifyPlatformErr(errPlain("boom"), "op")
		Expect(apperrors.IsKind(out, apperrors.KindServiceUnavailable)).To(BeTrue())
	})
})

type errPlain string

func (e errPlain) Error() string { return string(e) }
