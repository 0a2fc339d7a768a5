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
	"math/rand"
	"time"
)

// RetryStrategy computes the delay before retry attempt N (0-indexed,
// the attempt that just failed). Delays are always bounded.
type RetryStrategy interface {
	DelayFor(attempt int) time.Duration
}

// Constant retries after the same delay every time.
type Constant struct {
	Delay time.Duration
}

func (c Constant) DelayFor(int) time.Duration { return c.Delay }

// Exponential doubles (times Multiplier) the delay each attempt, capped
// at Max, with optional multiplicative jitter in [1-Jitter, 1+Jitter].
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (e Exponential) DelayFor(attempt int) time.Duration {
	mult := e.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(e.Initial)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	return applyJitter(time.Duration(d), e.Jitter)
}

// Fibonacci grows the delay along the Fibonacci sequence, capped at Max.
type Fibonacci struct {
	Initial time.Duration
	Max     time.Duration
}

func (f Fibonacci) DelayFor(attempt int) time.Duration {
	a, b := f.Initial, f.Initial
	for i := 0; i < attempt; i++ {
		a, b = b, a+b
	}
	if f.Max > 0 && a > f.Max {
		a = f.Max
	}
	return a
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	lo := 1 - jitter
	span := 2 * jitter
	factor := lo + rand.Float64()*span
	return time.Duration(float64(d) * factor)
}
