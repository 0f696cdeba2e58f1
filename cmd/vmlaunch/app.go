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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alexandremahdhaoui/vmlaunch/internal/agent"
	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/config"
	"github.com/alexandremahdhaoui/vmlaunch/internal/connregistry"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/logging"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor/libvirt"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor/ovirt"
	"github.com/go-logr/logr"
)

var (
	errUnknownBackend = errors.New("unknown hypervisor backend")
	errInvalidConfig  = errors.New("invalid configuration")
)

// app holds the process-wide collaborators of the commands.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	devMode    bool

	log        logr.Logger
	connectors map[string]hypervisor.Connector
	// dialer defaults to bootstrap.SSHDialer.
	dialer      bootstrap.Dialer
	newShutdown func(name string) *gracefulshutdown.GracefulShutdown
}

func newApp() *app {
	return &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    logr.Discard(),
		connectors: map[string]hypervisor.Connector{
			config.BackendOvirt:   ovirt.Connect,
			config.BackendLibvirt: libvirt.Connect,
		},
		newShutdown: gracefulshutdown.New,
	}
}

// loadConfig reads the configuration from --config or VMLAUNCH_CONFIG_PATH,
// sets up logging and validates it. Warnings are printed to stderr.
func (a *app) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}

	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if a.devMode || cfg.DevMode {
		level = slog.LevelDebug
	}

	a.log = logging.Setup(logging.Options{
		Development: a.devMode || cfg.DevMode,
		Level:       level,
		Output:      a.stderr,
	})

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		_, _ = fmt.Fprintf(a.stderr, "Warning: %s\n", w)
	}

	if err != nil {
		return nil, errors.Join(err, errInvalidConfig)
	}

	return cfg, nil
}

func (a *app) connector(backend string) (hypervisor.Connector, error) {
	connect, ok := a.connectors[backend]
	if !ok {
		return nil, fmt.Errorf("%w: backend=%q", errUnknownBackend, backend)
	}

	return connect, nil
}

func (a *app) endpoints(cfg *config.Config) (*hypervisor.Endpoints, error) {
	eps := make([]*hypervisor.Endpoint, 0, len(cfg.Endpoints))

	for _, ep := range cfg.Endpoints {
		connect, err := a.connector(ep.Backend)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("endpoint=%q", ep.Name))
		}

		eps = append(eps, hypervisor.NewEndpoint(ep.HypervisorConfig(), connect))
	}

	return hypervisor.NewEndpoints(eps...)
}

// manager wires the agent manager of cfg. The caller closes the returned
// endpoints after shutting the manager down.
func (a *app) manager(
	cfg *config.Config,
	registry *connregistry.Registry,
	opts agent.Options,
) (*agent.Manager, *hypervisor.Endpoints, error) {
	endpoints, err := a.endpoints(cfg)
	if err != nil {
		return nil, nil, err
	}

	specs := make([]agent.Spec, 0, len(cfg.Agents))
	for _, ag := range cfg.Agents {
		specs = append(specs, agent.SpecFromConfig(ag))
	}

	if opts.Dialer == nil {
		opts.Dialer = a.dialer
	}

	m, err := agent.NewManager(a.log, endpoints, registry, opts, specs...)
	if err != nil {
		_ = endpoints.Close()
		return nil, nil, err
	}

	return m, endpoints, nil
}

// endpoint resolves a single configured endpoint by name or identity, without
// building the agent specs.
func (a *app) endpoint(cfg *config.Config, ref string) (*hypervisor.Endpoint, error) {
	endpoints, err := a.endpoints(cfg)
	if err != nil {
		return nil, err
	}

	if ep, err := endpoints.Resolve(ref); err == nil {
		return ep, nil
	}

	return endpoints.ResolveName(ref)
}
