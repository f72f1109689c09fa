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

// Package httpserver wires the admission service and proxy forwarder into
// the HTTP endpoints of spec.md §6: verify, worker script, and the
// catch-all proxy-or-challenge handler, plus the ambient /healthz endpoint
// grounded on cmd/tfd-proxy's handler wiring. /metrics is not registered
// here; cmd/pma-gateway mounts it on the mux that Mux returns.
package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/admission"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/gwerrors"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/proxy"
)

// maxVerifyBodyBytes is the JSON API response/request ceiling spec.md §6
// mandates for the verify endpoint.
const maxVerifyBodyBytes = 50_000

type boundPortKey struct{}

// BoundPortConn tags a net.Conn with the local port of the listener that
// accepted it. A *http.Server whose ConnContext stashes this value lets a
// single Handler serve every listener a MultiAcceptor fans in, instead of
// needing one Handler instance per port.
type BoundPortConn struct {
	net.Conn
	BoundPort int
}

// ConnContext is installed as http.Server.ConnContext so every request
// handled over a BoundPortConn can recover its local port from the request
// context rather than from a per-handler field.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if bp, ok := c.(*BoundPortConn); ok {
		return context.WithValue(ctx, boundPortKey{}, bp.BoundPort)
	}
	return ctx
}

// boundPortFromContext recovers the bound port stashed by ConnContext.
// Its absence is the "unable to extract local port from a connection"
// invariant violation spec.md §7 calls out as an InternalError.
func boundPortFromContext(ctx context.Context) (int, error) {
	if p, ok := ctx.Value(boundPortKey{}).(int); ok {
		return p, nil
	}
	return 0, gwerrors.Internal("httpserver.boundPortFromContext", errNoBoundPort)
}

var errNoBoundPort = &noBoundPortError{}

type noBoundPortError struct{}

func (*noBoundPortError) Error() string { return "connection carries no bound-port tag" }

// Handler builds the net/http handler shared by every bound port: routing
// is port-independent (the configured api/worker URLs are process-wide),
// and the bound port that admission and upstream selection key on is
// recovered per-request from the connection's context.
type Handler struct {
	svc          *admission.Service
	forwarder    *proxy.Forwarder
	apiURL       string
	jsURL        string
	trustXRealIP bool
}

// New returns a Handler usable across every listener a MultiAcceptor fans
// in. trustXRealIP mirrors config.Config.EnableXRealIPHeader: whether an
// inbound X-Real-IP header is trusted to identify the client for admission
// purposes.
func New(svc *admission.Service, forwarder *proxy.Forwarder, apiURL, jsURL string, trustXRealIP bool) *Handler {
	return &Handler{svc: svc, forwarder: forwarder, apiURL: apiURL, jsURL: jsURL, trustXRealIP: trustXRealIP}
}

// Mux assembles a *http.ServeMux serving this Handler's routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(h.apiURL, h.handleVerify)
	mux.HandleFunc(h.jsURL, h.handleWorkerScript)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/", h.handleCatchAll)
	return mux
}

type verifyRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Factors string `json:"factors"`
}

// handleVerify implements `POST <api_url>` of spec.md §6.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		http.Error(w, "Incorrect", http.StatusBadRequest)
		return
	}

	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		http.Error(w, "Incorrect", http.StatusBadRequest)
		return
	}

	err = h.svc.Verify(r.Context(), h.clientIP(r), req.ID, req.Factors)
	w.Header().Set("Content-Type", "text/plain")
	if err != nil {
		log.Printf("httpserver: verify failed: %v", err)
		http.Error(w, "Incorrect", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Correct"))
}

// handleWorkerScript implements `GET <js_factors_url>?id=<hex>` of spec.md §6.
func (h *Handler) handleWorkerScript(w http.ResponseWriter, r *http.Request) {
	pendingID := r.URL.Query().Get("id")
	if pendingID == "" {
		http.Error(w, "missing id", http.StatusInternalServerError)
		return
	}

	script, err := h.svc.IssueWorker(r.Context(), h.clientIP(r), pendingID)
	if err != nil {
		log.Printf("httpserver: issue worker failed: %v", err)
		http.Error(w, "failed to issue challenge", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript")
	w.Write(script)
}

// handleCatchAll implements the "any other path and method" branch of
// spec.md §6: proxy-forward if allowed, otherwise serve a fresh challenge.
func (h *Handler) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	boundPort, err := boundPortFromContext(r.Context())
	if err != nil {
		log.Printf("httpserver: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ip := h.clientIP(r)
	allowed, err := h.svc.Check(r.Context(), ip, boundPort)
	if err != nil {
		log.Printf("httpserver: check failed: %v", err)
		http.Error(w, "Failed to query", http.StatusInternalServerError)
		return
	}
	if allowed {
		if err := h.forwarder.Forward(w, r, boundPort, ip); err != nil {
			log.Printf("httpserver: forward failed: %v", err)
			if !gwerrors.Is(err, gwerrors.KindUpstream) {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			http.Error(w, "Failed to query", http.StatusInternalServerError)
		}
		return
	}

	shell, err := h.svc.IssueHTML(r.Context(), boundPort)
	if err != nil {
		log.Printf("httpserver: issue html failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	w.Write(shell)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "time": time.Now().UTC()})
}

// clientIP extracts the connecting address, trusting an inbound
// X-Real-IP header only when this Handler was configured to.
func (h *Handler) clientIP(r *http.Request) string {
	if h.trustXRealIP {
		if ip := r.Header.Get("X-Real-IP"); ip != "" {
			return ip
		}
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
