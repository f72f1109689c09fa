// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package gwerrors defines the typed error kinds every request handler in
// the gateway maps to a status code at its boundary. No error is expected
// to bubble past a handler; these types exist so that boundary can make a
// single, centralized decision instead of each call site inventing one.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of picking an HTTP status code.
type Kind int

const (
	// KindConfiguration marks an invalid or missing startup parameter. Fatal at startup.
	KindConfiguration Kind = iota
	// KindStore marks a persistence failure. Never causes process exit.
	KindStore
	// KindUpstream marks a failure to reach or read the configured upstream.
	KindUpstream
	// KindValidation marks a malformed challenge answer or request body.
	KindValidation
	// KindInternal marks an invariant violation, e.g. failing to recover a
	// connection's local port.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindStore:
		return "store"
	case KindUpstream:
		return "upstream"
	case KindValidation:
		return "validation"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the typed error every gateway component returns. It wraps an
// underlying cause so callers can still unwrap down to the root error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration wraps err as a startup configuration error.
func Configuration(op string, err error) *Error { return newErr(KindConfiguration, op, err) }

// Store wraps err as a persistence failure.
func Store(op string, err error) *Error { return newErr(KindStore, op, err) }

// Upstream wraps err as an upstream transport/read failure.
func Upstream(op string, err error) *Error { return newErr(KindUpstream, op, err) }

// Validation wraps err as a malformed-input failure.
func Validation(op string, err error) *Error { return newErr(KindValidation, op, err) }

// Internal wraps err as an invariant violation.
func Internal(op string, err error) *Error { return newErr(KindInternal, op, err) }

// Is reports whether err is a gateway *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
