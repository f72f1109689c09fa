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

// Package proxy forwards an admitted request to its resolved upstream and
// copies the response back verbatim, matching the teacher's reliance on
// plain net/http rather than a router or HTTP-client library.
package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/gwerrors"
)

// Config holds the per-process routing rules spec.md §4.7/§9 describes.
type Config struct {
	DefaultDestURL        string
	PortToDestURL         map[int]string
	EnableXRealIPHeader   bool
	EnableOverrideDestURL bool
}

// Resolve implements the upstream precedence of spec.md §4.7/§8 invariant
// 6: override header (if enabled) > port map > default.
func (c Config) Resolve(boundPort int, overrideHeader string) string {
	if c.EnableOverrideDestURL && overrideHeader != "" {
		return overrideHeader
	}
	if u, ok := c.PortToDestURL[boundPort]; ok {
		return u
	}
	return c.DefaultDestURL
}

// Forwarder issues the resolved request and copies the upstream's status,
// headers, and body back to the client verbatim.
type Forwarder struct {
	cfg    Config
	client *http.Client
}

// New builds a Forwarder using http.DefaultTransport, matching the
// teacher's choice to never wrap net/http in a third-party HTTP client.
func New(cfg Config) *Forwarder {
	return &Forwarder{cfg: cfg, client: http.DefaultClient}
}

// Forward resolves boundPort's upstream, reissues the inbound request
// against it, and copies the response back to w. Any transport failure is
// reported as a *gwerrors.Error of KindUpstream; the caller is expected to
// render it as a 500 and must not mutate admission state either way.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, boundPort int, clientIP string) error {
	base := f.cfg.Resolve(boundPort, r.Header.Get("Override-Dest-Url"))
	target := strings.TrimRight(base, "/") + r.URL.RequestURI()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return gwerrors.Internal("proxy.forward", err)
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Set("Accept", "text/html,application/xhtml+xml,*/*")
	if f.cfg.EnableXRealIPHeader && clientIP != "" {
		outReq.Header.Set("X-Real-IP", clientIP)
	}

	resp, err := f.client.Do(outReq)
	if err != nil {
		return gwerrors.Upstream("proxy.forward", err)
	}
	defer resp.Body.Close()

	// Copy every upstream response header verbatim -- not a fixed allow-list --
	// matching the header-copy policy the original's salvo_compat layer used.
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return gwerrors.Upstream("proxy.forward", err)
	}
	return nil
}
