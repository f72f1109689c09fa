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

func TestValidateFactors_Accepts(t *testing.T) {
	valid := []string{
		"2x3",
		"2x1 3x2",
		"2x1 3x2 5x10",
		"7x100 101x1",
	}
	for _, v := range valid {
		if err := ValidateFactors(v); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", v, err)
		}
	}
}

func TestValidateFactors_Rejects(t *testing.T) {
	invalid := []string{
		"",
		"2x",
		"x3",
		"2",
		"2x3 2x4",   // not strictly ascending (equal)
		"3x1 2x1",   // not strictly ascending (decreasing)
		"2x3  3x4 ", // trailing whitespace
		" 2x3 3x4",  // leading whitespace
		"2x3,3x4",   // bad separator
		"2xx3",
		"2x3 ",
		"2y3",
		"٢x3", // non-ASCII (Arabic-indic) digit must not be accepted as DIGIT
	}
	for _, v := range invalid {
		if err := ValidateFactors(v); err == nil {
			t.Errorf("expected %q to be rejected", v)
		}
	}
}
