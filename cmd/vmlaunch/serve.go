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

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/agent"
	"github.com/alexandremahdhaoui/vmlaunch/internal/api"
	"github.com/alexandremahdhaoui/vmlaunch/internal/config"
	"github.com/alexandremahdhaoui/vmlaunch/internal/connregistry"
	"github.com/alexandremahdhaoui/vmlaunch/internal/metrics"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/httputil"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/tlsutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the launch API and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			gs := a.newShutdown(Name)

			servers, err := a.servers(cfg, gs)
			if err != nil {
				return err
			}

			a.log.Info("starting", "binary", Name, "version", Version, "commit", CommitSHA)

			httputil.Serve(servers, gs)

			// Blocks until the hooks ran, then exits.
			gs.Shutdown(0)

			return nil
		},
	}
}

// servers wires the launch API and the metrics server. The agent connections
// and the hypervisor connections are released by shutdown hooks.
func (a *app) servers(cfg *config.Config, gs *gracefulshutdown.GracefulShutdown) (map[string]*http.Server, error) {
	tlsConfig, err := tlsutil.BuildTLSConfig(cfg.APIServer.TLSConfig())
	if err != nil {
		return nil, err
	}

	// --------------------------------------------- Manager -------------------------------------------------------- //

	registry := connregistry.New()
	collector := metrics.NewCollector(registry.Len)

	m, endpoints, err := a.manager(cfg, registry, agent.Options{Metrics: collector})
	if err != nil {
		return nil, err
	}

	gs.OnShutdown("hypervisor-endpoints", func(context.Context) error { return endpoints.Close() })
	gs.OnShutdown("agent-manager", m.Shutdown)

	// --------------------------------------------- API ------------------------------------------------------------ //

	apiServer := &http.Server{ //nolint:exhaustruct
		Addr: cfg.APIServer.Addr,
		Handler: api.New(gs.Context(), a.log, m, api.Options{
			Username: cfg.APIServer.Username,
			Password: cfg.APIServer.Password,
		}).Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: time.Second,
	}

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metricsHandler := http.NewServeMux()
	metricsHandler.Handle(cfg.MetricsServer.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	metricsServer := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.MetricsServer.Addr,
		Handler:           metricsHandler,
		ReadHeaderTimeout: time.Second,
	}

	return map[string]*http.Server{
		"api":     apiServer,
		"metrics": metricsServer,
	}, nil
}
