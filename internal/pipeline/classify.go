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
	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/platformclient"
)

// platformKindMap translates the outbound client's taxonomy (spec
// §4.6i) into the job-execution propagation kinds (spec §7): the two
// taxonomies exist at different layers (one call vs. one job) but name
// the same underlying conditions.
var platformKindMap = map[platformclient.Code]apperrors.Kind{
	platformclient.CodeRateLimited:          apperrors.KindRateLimited,
	platformclient.CodeSecondaryRateLimited: apperrors.KindRateLimited,
	platformclient.CodeCircuitBreakerOpen:   apperrors.KindCircuitOpen,
	platformclient.CodeQueueFull:            apperrors.KindQueueFull,
	platformclient.CodeArtifactExpired:      apperrors.KindArtifactExpired,
	platformclient.CodePermissionDenied:     apperrors.KindPermissionDenied,
	platformclient.CodeNotFound:             apperrors.KindNotFound,
	platformclient.CodeUnprocessable:        apperrors.KindValidation,
	platformclient.CodeServiceUnavailable:   apperrors.KindServiceUnavailable,
	platformclient.CodeTimeout:              apperrors.KindTimeout,
}

// classifyPlatformErr wraps an outbound-call failure as the AppError kind
// the job executor's propagation policy understands.
func classifyPlatformErr(err error, message string) error {
	if err == nil {
		return nil
	}
	kind, ok := platformKindMap[platformclient.GetCode(err)]
	if !ok {
		kind = apperrors.KindServiceUnavailable
	}
	return apperrors.Wrap(err, kind, message)
}
