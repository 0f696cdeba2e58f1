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

package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultHookTimeout bounds the total time spent running shutdown hooks.
const DefaultHookTimeout = time.Minute

// Hook releases a resource once every tracked goroutine has returned.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// GracefulShutdown holds the context cancelled on SIGTERM or SIGINT, the wait group of the goroutines that must
// return before the process exits, and the hooks run after them.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	// ready is closed when Ready() is called, signaling that all Add() calls have been made.
	ready chan struct{}

	mu          sync.Mutex
	hooks       []namedHook
	hookTimeout time.Duration

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a new GracefulShutdown with a custom exit function.
// This is primarily useful for testing where os.Exit() would terminate the test process.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:         ctx,
		cancel:      cancel,
		name:        name,
		wg:          &sync.WaitGroup{},
		ready:       make(chan struct{}),
		hookTimeout: DefaultHookTimeout,
		exitFunc:    exitFunc,
	}

	// Shutdown is always called at least once when the context is done.
	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
		case <-ctx.Done():
			slog.Warn("GracefulShutdown: context cancelled before Ready() was called - proceeding with shutdown anyway")
		}

		gs.Shutdown(0)
	}()

	return gs
}

// New creates a new GracefulShutdown whose context is cancelled by its CancelFunc, a SIGTERM or a SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// OnShutdown registers a hook. Hooks run in reverse registration order once the wait group is drained, sharing a
// single deadline of HookTimeout. A failing hook is logged and does not prevent the next ones from running.
func (s *GracefulShutdown) OnShutdown(name string, fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, namedHook{name: name, fn: fn})
}

// SetHookTimeout overrides DefaultHookTimeout.
func (s *GracefulShutdown) SetHookTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hookTimeout = d
}

// Shutdown shuts down the application gracefully. Only the first call has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Info("gracefully shutting down", "name", s.name)

		s.cancel()
		s.wg.Wait()
		s.runHooks()

		s.exitFunc(exitCode)
	})
}

func (s *GracefulShutdown) runHooks() {
	s.mu.Lock()
	hooks := append([]namedHook(nil), s.hooks...)
	timeout := s.hookTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(ctx); err != nil {
			slog.Error("shutdown hook failed", "hook", hooks[i].name, "error", err.Error())
			continue
		}

		slog.Debug("shutdown hook done", "hook", hooks[i].name)
	}
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the wait group of the graceful shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready signals that all WaitGroup.Add() calls have been made.
//
// It MUST be called after all goroutines have called Add() on the WaitGroup. If the context is cancelled first, the
// shutdown still proceeds but a warning is logged.
//
// Ready is safe to call multiple times; only the first call has any effect.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
