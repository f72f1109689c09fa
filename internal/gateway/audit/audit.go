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

// Package audit publishes a record every time an allowance is granted.
// Sink is the seam a real broker client would plug into; the sinks that
// ship here are LogSink (one log line per grant), FileSink (an append-only
// JSONL file) and MultiSink (fan-out to several sinks). No broker client
// ships.
package audit

import (
	"log"
	"time"
)

// AllowanceGranted is the event emitted on every successful Verify.
type AllowanceGranted struct {
	ClientIP  string
	BoundPort int
	GrantedAt time.Time
}

// Sink publishes AllowanceGranted events. Implementations must not block
// the admission hot path for long; a slow sink should buffer internally.
type Sink interface {
	Publish(event AllowanceGranted)
}

// LogSink writes one log line per grant. The gateway always wires it, and
// adds a FileSink beside it (through MultiSink) when an audit log path is
// configured. A real deployment would swap this for a broker client
// (e.g. Kafka) behind the same interface without touching admission code.
type LogSink struct{}

// NewLogSink returns a ready-to-use LogSink.
func NewLogSink() *LogSink { return &LogSink{} }

func (LogSink) Publish(event AllowanceGranted) {
	log.Printf("audit: allowance granted ip=%s port=%d at=%s", event.ClientIP, event.BoundPort, event.GrantedAt.Format(time.RFC3339))
}

// MultiSink fans one event out to every wrapped Sink, e.g. a LogSink for
// operator visibility plus a FileSink for durable replay.
type MultiSink []Sink

func (m MultiSink) Publish(event AllowanceGranted) {
	for _, s := range m {
		s.Publish(event)
	}
}
