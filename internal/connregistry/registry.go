/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package connregistry tracks live remote-shell connections so they can be
// force-closed when the process stops.
//
// A Registry is created at process start, injected into every component
// that opens connections, and drained with CloseAll on shutdown.
package connregistry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Conn is a tracked connection. Implementations must be comparable, which
// pointer types are.
type Conn interface {
	Close() error
	RemoteAddr() net.Addr
}

type Registry struct {
	mu    sync.Mutex
	conns map[Conn]struct{}
}

func New() *Registry {
	return &Registry{conns: make(map[Conn]struct{})}
}

// Register adds conn. Registering the same connection twice is a no-op.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn] = struct{}{}
}

// Unregister removes conn. It does not close it.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, conn)
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conns)
}

// CloseAll closes every tracked connection and clears the registry. Close
// errors are collected; every connection is attempted.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[Conn]struct{})
	r.mu.Unlock()

	errs := make([]error, 0)
	for conn := range conns {
		addr := remoteAddr(conn)
		slog.Info("forcing connection shutdown", "remoteAddr", addr)

		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("remoteAddr=%s: %w", addr, err))
		}
	}

	return errors.Join(errs...)
}

func remoteAddr(conn Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "unknown"
	}

	return addr.String()
}
