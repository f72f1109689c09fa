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
	"errors"
	"unicode"
)

// ErrInvalidFormat is returned for any deviation from the factor-list
// grammar: out-of-order primes, a missing multiplicity, non-digit
// characters, or an empty token.
var ErrInvalidFormat = errors.New("challenge: invalid factor list format")

// validatorState mirrors the three-state machine this is ported from
// (_examples/original_source/rust_impl/src/helpers.rs::validate_client_response):
// a run of digits is the prime, 'x' switches to its multiplicity, and
// whitespace switches back to looking for the next prime.
type validatorState int

const (
	stateNum validatorState = iota
	stateAmt
	stateWhitespace
)

// isDigit is ASCII-only, matching the original's is_digit(10): a canonical
// factor string never carries non-ASCII digits, but unicode.IsDigit would
// accept them and then c-'0' on one yields garbage.
func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}

// ValidateFactors checks that resp is a syntactically and semantically
// legal FactorList: TOKEN (WS+ TOKEN)*, TOKEN := DIGIT+ 'x' DIGIT+, with the
// numeric value before each 'x' strictly increasing across tokens. The
// multiplicity itself is not range-checked here — that is a semantic
// question for whoever multiplies the factors back out.
func ValidateFactors(resp string) error {
	state := stateNum
	var num uint64
	var maxNum uint64
	sawAnyDigit := false

	for _, c := range resp {
		switch state {
		case stateNum:
			switch {
			case isDigit(c):
				num = num*10 + uint64(c-'0')
				sawAnyDigit = true
			case c == 'x':
				if !sawAnyDigit || maxNum >= num {
					return ErrInvalidFormat
				}
				maxNum = num
				num = 0
				sawAnyDigit = false
				state = stateAmt
			default:
				return ErrInvalidFormat
			}
		case stateAmt:
			switch {
			case isDigit(c):
				sawAnyDigit = true
			case unicode.IsSpace(c):
				if !sawAnyDigit {
					return ErrInvalidFormat
				}
				sawAnyDigit = false
				state = stateWhitespace
			default:
				return ErrInvalidFormat
			}
		case stateWhitespace:
			switch {
			case unicode.IsSpace(c):
				// stay in stateWhitespace
			case isDigit(c):
				state = stateNum
				num = uint64(c - '0')
				sawAnyDigit = true
			default:
				return ErrInvalidFormat
			}
		}
	}

	if state != stateAmt || !sawAnyDigit {
		return ErrInvalidFormat
	}
	return nil
}
