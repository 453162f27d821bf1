// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package faults classifies errors into the operational taxonomy shared by
// the record converter, the TPU lifecycle manager and the job orchestrator.
// Lower layers resolve their own transient failures; once an error crosses a
// component boundary it carries exactly one Kind.
package faults

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind is the operational classification of a terminal error.
type Kind string

const (
	// Transient marks failures that are retryable with backoff: network
	// blips, rate limits, temporary provider unavailability.
	Transient Kind = "Transient"

	// ResourceExhaustion marks quota or capacity failures. Never retried.
	ResourceExhaustion Kind = "ResourceExhaustion"

	// DataIntegrity marks checksum mismatches, partial writes and invalid
	// specs. Never retried; requires an explicit re-run.
	DataIntegrity Kind = "DataIntegrity"

	// Timeout marks a wall-clock budget exceeded in any phase.
	Timeout Kind = "Timeout"

	// Unconfirmed marks a teardown that could not be verified. It is a
	// standing operator alert, not a job failure.
	Unconfirmed Kind = "Unconfirmed"

	// Cancelled marks an externally requested cancellation.
	Cancelled Kind = "Cancelled"

	// Unknown is the zero classification.
	Unknown Kind = ""
)

// Error pairs a Kind with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a fresh message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil for a nil error.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf classifies an existing error and prefixes its message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// KindOf reports the classification of err, or Unknown if err carries none.
// The outermost classification wins when errors are re-wrapped.
func KindOf(err error) Kind {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsTransient reports whether err is classified retryable.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}
