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

package challenge

import "testing"

func TestDigest_DeterministicAndDistinct(t *testing.T) {
	a := Digest("2x1 3x2")
	b := Digest("2x1 3x2")
	if a != b {
		t.Fatalf("expected identical input to produce identical digest")
	}
	c := Digest("2x1 3x3")
	if a == c {
		t.Fatalf("expected different factor lists to produce different digests")
	}
}

func TestDigestHex_Length(t *testing.T) {
	h := DigestHex("5x1")
	if len(h) != DigestSize*2 {
		t.Fatalf("expected hex length %d, got %d", DigestSize*2, len(h))
	}
}
