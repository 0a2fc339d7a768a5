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

package acteonerr

import (
	"errors"
	"fmt"
)

// Wrap attaches a message to err while preserving it for errors.Is/As.
// Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrapped{msg: message, cause: err}
}

// Wrapf is Wrap with fmt-style formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Is reports whether err matches target, delegating to the standard
// library's chain walk.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain assignable to target.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the next error in the chain, or nil.
func Unwrap(err error) error { return errors.Unwrap(err) }

// New creates a plain error, mirroring errors.New for callers that import
// only this package.
func New(message string) error { return errors.New(message) }

// Retryable reports whether err (or any error in its chain) is classified
// as retryable. Errors that don't implement Classifier are treated as
// non-retryable.
func Retryable(err error) bool {
	var c Classifier
	if As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

type wrapped struct {
	msg   string
	cause error
}

func (w *wrapped) Error() string { return w.msg + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() error { return w.cause }
