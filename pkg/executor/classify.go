// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	"errors"

	"github.com/penserai/acteon/pkg/provider"
)

// classify maps an error returned by a provider call (or the deadline
// mechanism) to the executor's closed error code and retryability. The
// code strings are the provider package's closed set; an error that
// doesn't carry one of them is treated as a terminal execution_failed.
func classify(err error) (provider.ErrorCode, bool) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Code, perr.Code.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.CodeTimeout, true
	}
	return provider.CodeExecutionFailed, false
}
