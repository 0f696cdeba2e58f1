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

package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/util/gracefulshutdown"
)

// ShutdownTimeout bounds the time a server is given to drain its connections.
const ShutdownTimeout = time.Minute

type serverNameKey struct{}

// ServerName returns the name under which the request's server was passed to Serve.
func ServerName(ctx context.Context) string {
	name, _ := ctx.Value(serverNameKey{}).(string)
	return name
}

// Serve serves the given servers and handles graceful shutdown. A server with a TLSConfig holding certificates is
// served over TLS. Serve blocks until the GracefulShutdown's context is done.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	// 1. Run the servers.
	for name, server := range servers {
		ctx := context.WithValue(gs.Context(), serverNameKey{}, name)

		server.BaseContext = func(_ net.Listener) context.Context {
			return ctx
		}

		gs.WaitGroup().Add(1)

		go func() {
			slog.InfoContext(ctx, "starting server", "server", name, "addr", server.Addr)

			if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "received error", "server", name, "error", err)

				// Done() must be called before Shutdown, which awaits the wait group.
				gs.WaitGroup().Done()
				gs.Shutdown(1)

				return
			}

			gs.WaitGroup().Done()
			gs.Shutdown(0)
		}()
	}

	// 2. Signal that all Add() calls have been made.
	gs.Ready()

	// 3. Await context is done.
	<-gs.Context().Done()

	// 4. Gracefully shutdown each server.
	for name, server := range servers {
		go func() {
			ctx := context.WithValue(context.Background(), serverNameKey{}, name)

			ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "received error while shutting down server", "server", name, "error", err)

				return
			}

			slog.Info("gracefully shut down server", "server", name)
		}()
	}
}

func listen(server *http.Server) error {
	if server.TLSConfig != nil && (len(server.TLSConfig.Certificates) > 0 || server.TLSConfig.GetCertificate != nil) {
		return server.ListenAndServeTLS("", "")
	}

	return server.ListenAndServe()
}
