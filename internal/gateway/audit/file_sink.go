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

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// FileSink is a buffered, append-only JSONL Sink: one line per grant,
// flushed to the file periodically rather than on every write so a burst of
// admissions doesn't turn into a burst of write syscalls. It never calls
// fsync. Safe for concurrent Publish calls.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// flushInterval bounds how stale the on-disk log can get under load; a
// crash between flushes loses at most this much.
const flushInterval = 100 * time.Millisecond

// NewFileSink opens (or creates) path in append mode and wraps it in a
// buffered writer. Call Close when done.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 1<<16), path: path, lastFlush: time.Now()}, nil
}

// Publish appends event as one JSON line. Encoding errors are swallowed
// (mirroring LogSink's posture: a sink must never block or fail the
// admission hot path), flushed-to-disk on a best-effort periodic cadence.
func (s *FileSink) Publish(event AllowanceGranted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = json.NewEncoder(s.w).Encode(&event)
	if time.Since(s.lastFlush) > flushInterval {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

// Flush forces any buffered lines to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// ReadAllGrants reads back the whole grant log, e.g. for an operator
// auditing which addresses were admitted over a time window.
func ReadAllGrants(path string) ([]AllowanceGranted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []AllowanceGranted
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<16)
	scanner.Buffer(buf, 1<<20)
	for scanner.Scan() {
		var event AllowanceGranted
		if err := json.Unmarshal(scanner.Bytes(), &event); err == nil {
			out = append(out, event)
		}
	}
	return out, scanner.Err()
}
