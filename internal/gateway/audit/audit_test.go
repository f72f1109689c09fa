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
	"testing"
	"time"
)

// recordingSink is a test-only Sink that remembers every event published.
type recordingSink struct {
	events []AllowanceGranted
}

func (r *recordingSink) Publish(event AllowanceGranted) {
	r.events = append(r.events, event)
}

func TestRecordingSink_CapturesPublishedEvent(t *testing.T) {
	var s Sink = &recordingSink{}
	rs := s.(*recordingSink)

	event := AllowanceGranted{ClientIP: "1.2.3.4", BoundPort: 9001, GrantedAt: time.Unix(0, 0).UTC()}
	s.Publish(event)

	if len(rs.events) != 1 || rs.events[0] != event {
		t.Fatalf("expected the published event to be recorded, got %+v", rs.events)
	}
}

func TestLogSink_PublishDoesNotPanic(t *testing.T) {
	NewLogSink().Publish(AllowanceGranted{ClientIP: "1.2.3.4", BoundPort: 9001, GrantedAt: time.Now()})
}
