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

package metrics

import "sync/atomic"

// Snapshot is the small JSON-friendly counter set GET /health embeds
// inline. The full Prometheus exposition (with namespace/provider
// labels) lives at GET /metrics; this is a cheap aggregate for a
// liveness probe that doesn't want to parse the exposition format.
type Snapshot struct {
	Dispatched   int64 `json:"dispatched"`
	Executed     int64 `json:"executed"`
	Failed       int64 `json:"failed"`
	Suppressed   int64 `json:"suppressed"`
	Deduplicated int64 `json:"deduplicated"`
	Rerouted     int64 `json:"rerouted"`
	Throttled    int64 `json:"throttled"`
	CircuitOpen  int64 `json:"circuit_open"`
}

var (
	snapDispatched   int64
	snapExecuted     int64
	snapFailed       int64
	snapSuppressed   int64
	snapDeduplicated int64
	snapRerouted     int64
	snapThrottled    int64
	snapCircuitOpen  int64
)

// bumpSnapshot is called alongside the labeled Prometheus counters so
// GET /health can report a cheap aggregate without scraping itself.
func bumpSnapshot(outcome string) {
	switch outcome {
	case "Executed":
		atomic.AddInt64(&snapExecuted, 1)
	case "Failed":
		atomic.AddInt64(&snapFailed, 1)
	case "Suppressed":
		atomic.AddInt64(&snapSuppressed, 1)
	case "Deduplicated":
		atomic.AddInt64(&snapDeduplicated, 1)
	case "Rerouted":
		atomic.AddInt64(&snapRerouted, 1)
	case "Throttled":
		atomic.AddInt64(&snapThrottled, 1)
	case "CircuitOpen":
		atomic.AddInt64(&snapCircuitOpen, 1)
	}
}

// Snap returns the current aggregate counters for GET /health.
func Snap() Snapshot {
	return Snapshot{
		Dispatched:   atomic.LoadInt64(&snapDispatched),
		Executed:     atomic.LoadInt64(&snapExecuted),
		Failed:       atomic.LoadInt64(&snapFailed),
		Suppressed:   atomic.LoadInt64(&snapSuppressed),
		Deduplicated: atomic.LoadInt64(&snapDeduplicated),
		Rerouted:     atomic.LoadInt64(&snapRerouted),
		Throttled:    atomic.LoadInt64(&snapThrottled),
		CircuitOpen:  atomic.LoadInt64(&snapCircuitOpen),
	}
}
