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

// Package accept fans connections from up to MaxListeners sockets into a
// single logical stream, one goroutine per listener feeding a shared
// channel. A listener that fails keeps the others running; its failure is
// reported once, tagged with the port that produced it.
package accept

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// MaxListeners is the hard cap spec.md §4.6 sets on the number of bound
// addresses a single gateway process may serve.
const MaxListeners = 32

// Accepted is one connection handed off by a listener, tagged with the
// local port it arrived on so the rest of the pipeline can resolve
// per-port admission and upstream state without re-inspecting the conn.
type Accepted struct {
	Conn      net.Conn
	BoundPort int
}

// listenerError is delivered on the shared channel in place of an Accepted
// value when a listener's Accept loop exits for good.
type listenerError struct {
	BoundPort int
	Err       error
}

func (e *listenerError) Error() string {
	return fmt.Sprintf("accept: listener on port %d stopped: %v", e.BoundPort, e.Err)
}

// IsListenerError reports whether err is a per-port listener failure
// returned by Accept, as opposed to a context cancellation or a closed
// MultiAcceptor. Callers that adapt Accept to a single net.Listener (which
// has no notion of "this one port failed, the others are fine") use this to
// tell the two apart: a listener error should be logged and Accept called
// again to keep draining the surviving listeners, per spec.md §4.6.
func IsListenerError(err error) (port int, ok bool) {
	var le *listenerError
	if errors.As(err, &le) {
		return le.BoundPort, true
	}
	return 0, false
}

// MultiAcceptor fans in N net.Listeners via one goroutine per listener,
// feeding a shared buffered channel -- the "poll all listeners
// concurrently, surface first ready connection" contract of spec.md §4.6.
type MultiAcceptor struct {
	listeners []net.Listener
	ports     []int
	conns     chan Accepted
	errs      chan *listenerError
	done      chan struct{}
	closeOnce sync.Once
}

// New binds MultiAcceptor over the given already-open listeners, one per
// bound port. Close closes the listeners; if New returns an error they are
// left open and the caller is responsible for closing them.
func New(listeners []net.Listener, ports []int) (*MultiAcceptor, error) {
	if len(listeners) == 0 {
		return nil, fmt.Errorf("accept: at least one listener is required")
	}
	if len(listeners) > MaxListeners {
		return nil, fmt.Errorf("accept: %d listeners exceeds the cap of %d", len(listeners), MaxListeners)
	}
	if len(listeners) != len(ports) {
		return nil, fmt.Errorf("accept: %d listeners but %d ports", len(listeners), len(ports))
	}

	m := &MultiAcceptor{
		listeners: listeners,
		ports:     ports,
		conns:     make(chan Accepted, len(listeners)),
		errs:      make(chan *listenerError, len(listeners)),
		done:      make(chan struct{}),
	}
	for i, l := range listeners {
		go m.acceptLoop(l, ports[i])
	}
	return m, nil
}

func (m *MultiAcceptor) acceptLoop(l net.Listener, port int) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case m.errs <- &listenerError{BoundPort: port, Err: err}:
			case <-m.done:
			}
			return
		}
		select {
		case m.conns <- Accepted{Conn: conn, BoundPort: port}:
		case <-m.done:
			conn.Close()
			return
		}
	}
}

// Accept blocks until a connection is ready on any listener, ctx is
// cancelled, or a listener fails. A single listener failure does not stop
// the others; the error it returns is scoped to that port, and the caller
// may call Accept again to keep draining the remaining listeners.
func (m *MultiAcceptor) Accept(ctx context.Context) (net.Conn, int, error) {
	select {
	case a := <-m.conns:
		return a.Conn, a.BoundPort, nil
	case e := <-m.errs:
		return nil, e.BoundPort, e
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-m.done:
		return nil, 0, fmt.Errorf("accept: multiacceptor closed")
	}
}

// Close stops every listener's accept loop and closes the underlying
// sockets. Safe to call more than once; calls after the first do nothing
// and return nil. Subsequent Accept calls return an error.
func (m *MultiAcceptor) Close() error {
	var firstErr error
	m.closeOnce.Do(func() {
		close(m.done)
		for _, l := range m.listeners {
			if err := l.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
