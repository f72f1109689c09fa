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

// Package metrics defines the admission counters the gateway exposes and a
// Prometheus-backed implementation of them.
package metrics

// Recorder is the narrow counter surface the admission service needs. Kept
// as an interface, rather than a direct dependency on
// github.com/prometheus/client_golang, so admission.Service tests can pass
// a no-op or counting fake without registering real Prometheus collectors.
type Recorder interface {
	IncIssued()
	IncVerified()
	IncRejected()
	IncAllowed()
}

// Noop discards every observation. Useful as a default when metrics are not
// wired, and in tests that don't care about counts.
type Noop struct{}

func (Noop) IncIssued()   {}
func (Noop) IncVerified() {}
func (Noop) IncRejected() {}
func (Noop) IncAllowed()  {}
