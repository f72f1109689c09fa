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

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// DigestSize is the width, in bytes, of a canonical factor-list digest.
const DigestSize = 32

// Digest returns the 256-bit BLAKE3 digest of the canonical factor-list
// string. Store implementations key ChallengeRecord.factors_digest on this,
// so two FactorList strings that multiply out to the same N but render
// differently (extra whitespace, different ordering) are intentionally
// treated as different digests — canonicalization is the caller's job.
func Digest(factors string) [DigestSize]byte {
	return blake3.Sum256([]byte(factors))
}

// DigestHex renders Digest(factors) as lower-hex, matching the rendering
// convention used for ChallengeRecord ids.
func DigestHex(factors string) string {
	d := Digest(factors)
	return hex.EncodeToString(d[:])
}
