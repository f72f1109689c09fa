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

// Package main is the entry point for the PoorMansAnubis gateway: it
// parses the CLI surface, wires up the Store, admission service, proxy
// forwarder, and a single HTTP server fanned in across every bound
// listener via a MultiAcceptor, then waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/accept"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/admission"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/audit"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/config"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/gwerrors"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/httpserver"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/metrics"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/proxy"
	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)

	svcCfg := admission.Config{
		TargetQuads:      cfg.TargetQuads,
		ChallengeTimeout: cfg.ChallengeTimeout,
		AllowanceTimeout: cfg.AllowanceTimeout,
		APIURL:           cfg.APIURL,
		JSFactorsURL:     cfg.JSFactorsURL,
	}
	auditSink, closeAudit, err := buildAuditSink(cfg)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	defer closeAudit()

	svc := admission.NewService(st, svcCfg, time.Now().UnixNano(), rec, auditSink)
	svc.StartReaper()
	defer svc.StopReaper()

	fwd := proxy.New(proxy.Config{
		DefaultDestURL:        cfg.DestURL,
		PortToDestURL:         cfg.PortToDest,
		EnableXRealIPHeader:   cfg.EnableXRealIPHeader,
		EnableOverrideDestURL: cfg.EnableOverrideDestURL,
	})

	listeners, ports, err := bindListeners(cfg.AddrPorts)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	acc, err := accept.New(listeners, ports)
	if err != nil {
		for _, l := range listeners {
			l.Close()
		}
		log.Fatalf("configuration error: %v", err)
	}

	h := httpserver.New(svc, fwd, cfg.APIURL, cfg.JSFactorsURL, cfg.EnableXRealIPHeader)
	mux := h.Mux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{
		Handler:      mux,
		ConnContext:  httpserver.ConnContext,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErrs := make(chan error, 1)
	go func() {
		fmt.Printf("pma-gateway listening on %d port(s): %v\n", len(cfg.AddrPorts), cfg.AddrPorts)
		serveErrs <- srv.Serve(fanInListener{acc: acc})
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	select {
	case <-stop:
	case err := <-serveErrs:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("serve stopped: %v", err)
		}
	}

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	acc.Close()
	fmt.Println("Gateway gracefully stopped.")
}

// bindListeners opens one net.Listener per configured addr-port, in order.
// On any failure it closes whatever it already opened before returning.
func bindListeners(addrPorts []string) ([]net.Listener, []int, error) {
	listeners := make([]net.Listener, 0, len(addrPorts))
	ports := make([]int, 0, len(addrPorts))
	for _, addrPort := range addrPorts {
		_, portStr, err := net.SplitHostPort(addrPort)
		if err != nil {
			closeAll(listeners)
			return nil, nil, fmt.Errorf("malformed addr-port %q: %w", addrPort, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			closeAll(listeners)
			return nil, nil, fmt.Errorf("malformed port in %q: %w", addrPort, err)
		}
		l, err := net.Listen("tcp", addrPort)
		if err != nil {
			closeAll(listeners)
			return nil, nil, fmt.Errorf("listen on %q: %w", addrPort, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, port)
	}
	return listeners, ports, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		l.Close()
	}
}

// fanInListener adapts an accept.MultiAcceptor to the net.Listener interface
// so a single *http.Server can Serve every bound port the gateway listens
// on, tagging each accepted connection with its port via
// httpserver.BoundPortConn for ConnContext to recover later.
type fanInListener struct {
	acc *accept.MultiAcceptor
}

// Accept loops past per-port listener failures instead of handing them to
// http.Server.Serve: a *listenerError isn't a net.Error, so Serve would
// treat it as fatal and tear down every bound port, not just the one that
// failed -- violating spec.md §4.6's "a failing listener yields a terminal
// error for that port only, not for the aggregate." Only a fatal condition
// (the MultiAcceptor itself closing) is propagated.
func (f fanInListener) Accept() (net.Conn, error) {
	for {
		conn, port, err := f.acc.Accept(context.Background())
		if err != nil {
			if failedPort, ok := accept.IsListenerError(err); ok {
				log.Printf("pma-gateway: listener on port %d stopped: %v", failedPort, err)
				continue
			}
			return nil, err
		}
		return &httpserver.BoundPortConn{Conn: conn, BoundPort: port}, nil
	}
}

func (f fanInListener) Close() error { return f.acc.Close() }

func (f fanInListener) Addr() net.Addr { return fanInAddr{} }

type fanInAddr struct{}

func (fanInAddr) Network() string { return "tcp" }
func (fanInAddr) String() string  { return "pma-gateway:multi" }

// buildStore returns the in-memory backend when no mysql-conf file is
// given. When one is given, the file is parsed (a malformed file is a
// configuration error) and then rejected with a configuration error as
// well: no durable backend is built from the CLI. Postgres and Redis are
// available only via store.NewPostgresStore and store.NewRedisStore for
// code that wires them in directly.
func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.DBConfFile == "" {
		return store.NewMemoryStore(), nil
	}
	if _, err := config.ParseDBConfigFile(cfg.DBConfFile); err != nil {
		return nil, gwerrors.Configuration("main.buildStore", err)
	}
	// A concrete *sql.DB requires a driver import this repository does not
	// carry (see DESIGN.md); operators wiring Postgres construct the
	// *sql.DB themselves and call store.NewPostgresStore directly.
	return nil, gwerrors.Configuration("main.buildStore", fmt.Errorf("mysql-conf given but no database/sql driver is linked into this binary"))
}

// buildAuditSink always logs grants; when --audit-log is set it also
// appends each grant to that JSONL file. The returned func closes any
// opened file and should be deferred.
func buildAuditSink(cfg *config.Config) (audit.Sink, func(), error) {
	if cfg.AuditLogPath == "" {
		return audit.NewLogSink(), func() {}, nil
	}
	fileSink, err := audit.NewFileSink(cfg.AuditLogPath)
	if err != nil {
		return nil, nil, gwerrors.Configuration("main.buildAuditSink", err)
	}
	sink := audit.MultiSink{audit.NewLogSink(), fileSink}
	return sink, func() { _ = fileSink.Close() }, nil
}
