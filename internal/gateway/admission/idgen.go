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

package admission

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// idSalt is mixed into every generated ChallengeRecord id. Unlike the
// challenge integer itself (challenge.Builder, which deliberately uses
// math/rand for cost asymmetry, not unforgeability), an id doubles as a
// bearer token an attacker must not be able to predict, so its entropy
// source here is crypto/rand.
const idSalt = "PoorMansAnubis-admission-id-v1"

// generateID draws 64 random bytes, mixes them with seq (big-endian) and
// idSalt, and returns the 256-bit BLAKE3 digest hex-rendered, per spec.md
// §4.5's collision-handling recipe.
func generateID(seq uint32) (string, error) {
	entropy := make([]byte, 64)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("admission: idgen: %w", err)
	}

	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)

	h := blake3.New(32, nil)
	h.Write(entropy)
	h.Write(seqBytes[:])
	h.Write([]byte(idSalt))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum), nil
}
