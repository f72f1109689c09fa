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

// Package assets embeds the HTML interstitial and the factoring worker
// script served to an unverified client, and substitutes their placeholders.
// The HTML body is ported from
// _examples/original_source/rust_impl/src/constants.rs::HTML_BODY_FACTORS,
// split into a shell (served once, linking to the worker script) and a
// worker script (carrying the actual factoring loop), per spec.md §4.8's
// redesign of the original's single inline <script> page.
package assets

import (
	_ "embed"
	"strings"
)

//go:embed shell.html
var shellTemplate string

//go:embed worker.js
var workerTemplate string

// Engine performs the textual, first-occurrence-only placeholder
// substitutions spec.md §4.8 mandates. It holds no state; every method is a
// pure function of its inputs.
type Engine struct{}

// New returns a ready-to-use Engine.
func New() *Engine { return &Engine{} }

// RenderShell substitutes {JS_FACTORS_URL} in the HTML shell with the given
// URL (already including the "?id=<pending id>" query string).
func (Engine) RenderShell(jsFactorsURL string) []byte {
	out := strings.Replace(shellTemplate, "{JS_FACTORS_URL}", jsFactorsURL, 1)
	return []byte(out)
}

// RenderWorker substitutes {API_URL}, {LARGE_NUMBER}, and {UUID} in the
// worker script, in that order, each exactly once.
func (Engine) RenderWorker(apiURL string, largeNumberB64 []byte, challengeID string) []byte {
	out := strings.Replace(workerTemplate, "{API_URL}", apiURL, 1)
	out = strings.Replace(out, "{LARGE_NUMBER}", string(largeNumberB64), 1)
	out = strings.Replace(out, "{UUID}", challengeID, 1)
	return []byte(out)
}
