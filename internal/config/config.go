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

// Package config loads the vmlaunch configuration file: the hypervisor
// endpoints, the agents launched on their VMs and the servers exposed by
// `vmlaunch serve`.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/orchestrator"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/tlsutil"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "VMLAUNCH_CONFIG_PATH"
	// DevModeEnvKey switches logging to development mode.
	DevModeEnvKey = "VMLAUNCH_DEV_MODE"
	// APIAddrEnvKey overrides apiServer.addr.
	APIAddrEnvKey = "VMLAUNCH_API_ADDR"
	// MetricsAddrEnvKey overrides metricsServer.addr.
	MetricsAddrEnvKey = "VMLAUNCH_METRICS_ADDR"
)

const (
	BackendOvirt   = "ovirt"
	BackendLibvirt = "libvirt"
)

const (
	DefaultWaitSec     = 10
	DefaultAPIAddr     = ":8080"
	DefaultMetricsAddr = ":9090"
	DefaultMetricsPath = "/metrics"
)

var (
	ErrConfigPathNotSet = errors.New("config path is not set")
	ErrInvalidName      = errors.New("invalid name")

	errReadConfig   = errors.New("failed to read config file")
	errParseConfig  = errors.New("failed to parse config file")
	errPasswordEnv  = errors.New("password environment variable is not set")
	errParseDevMode = errors.New("failed to parse dev mode")
)

var nameRegexp = regexp.MustCompile(`(?i)^[._a-z0-9]+$`)

// Config is used to configure vmlaunch.
//
// Some part of the configuration may be passed through environment variables.
type Config struct {
	// DevMode enables human-readable logs.
	DevMode bool `json:"devMode"`

	Endpoints []Endpoint `json:"endpoints"`
	Agents    []Agent    `json:"agents"`

	// APIServer is the configuration for the launch API server.
	APIServer APIServer `json:"apiServer"`

	// MetricsServer is the configuration for the metrics server.
	MetricsServer struct {
		// Addr is the listen address of the metrics server.
		Addr string `json:"addr"`
		// Path is the path for the metrics handler.
		Path string `json:"path"`
	} `json:"metricsServer"`
}

// Endpoint is a configured virtualization management server.
type Endpoint struct {
	// Name must match [._a-z0-9]+, case-insensitively.
	Name string `json:"name"`
	URL  string `json:"url"`
	// Backend is "ovirt" (default) or "libvirt".
	Backend  string `json:"backend"`
	Username string `json:"username"`
	Password string `json:"password"`
	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `json:"passwordEnv"`
	// Cluster restricts the visible VMs to one cluster.
	Cluster  string `json:"cluster"`
	CAFile   string `json:"caFile"`
	Insecure bool   `json:"insecure"`
}

// Agent is one configured agent definition.
type Agent struct {
	Name string `json:"name"`
	// Endpoint is either an endpoint identity "<name> <url>" or an endpoint name.
	Endpoint string `json:"endpoint"`
	VM       string `json:"vm"`
	// Snapshot is reverted to before every launch when set.
	Snapshot string `json:"snapshot"`
	// WaitSec separates two observations of the VM. Zero means the VM is
	// polled without waiting.
	WaitSec *int `json:"waitSec"`
	// Retries bounds the observations of every power state wait.
	Retries int `json:"retries"`
	// SnapshotCommitTimeoutSec caps the wait for the image lock after a
	// revert. Zero waits forever.
	SnapshotCommitTimeoutSec int `json:"snapshotCommitTimeoutSec"`
	// RemoteFS is the working directory of the agent on the VM.
	RemoteFS string `json:"remoteFS"`

	SSH     SSH     `json:"ssh"`
	Payload Payload `json:"payload"`
}

type SSH struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	PasswordEnv      string `json:"passwordEnv"`
	Port             int    `json:"port"`
	Retries          int    `json:"retries"`
	RetryWaitSec     int    `json:"retryWaitSec"`
	LaunchTimeoutSec int    `json:"launchTimeoutSec"`
}

type Payload struct {
	// Path is the local agent executable.
	Path string `json:"path"`
	// RemoteName defaults to the base name of Path.
	RemoteName string `json:"remoteName"`
	JavaPath   string `json:"javaPath"`
	JVMOptions string `json:"jvmOptions"`
}

type APIServer struct {
	// Addr is the listen address of the launch API.
	Addr string `json:"addr"`
	// Username and Password enable basic authentication when set.
	Username    string `json:"username"`
	Password    string `json:"password"`
	PasswordEnv string `json:"passwordEnv"`

	TLS struct {
		Enabled    bool   `json:"enabled"`
		ClientAuth string `json:"clientAuth"`
		CertPath   string `json:"certPath"`
		KeyPath    string `json:"keyPath"`
		CAPath     string `json:"caPath"`
	} `json:"tls"`
}

// TLSConfig converts the TLS section for tlsutil.BuildTLSConfig.
func (s APIServer) TLSConfig() *tlsutil.Config {
	return &tlsutil.Config{
		Enabled:    s.TLS.Enabled,
		ClientAuth: s.TLS.ClientAuth,
		CertPath:   s.TLS.CertPath,
		KeyPath:    s.TLS.KeyPath,
		CAPath:     s.TLS.CAPath,
	}
}

// LoadFromEnv loads the configuration from the file specified in the
// VMLAUNCH_CONFIG_PATH environment variable.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(ConfigPathEnvKey)
	if path == "" {
		return nil, fmt.Errorf("%w: environment variable %q must be set", ErrConfigPathNotSet, ConfigPathEnvKey)
	}

	return Load(path)
}

// Load reads the file at path, applies the environment overrides, resolves
// the passwordEnv indirections and sets the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), errReadConfig)
	}

	return Parse(data)
}

// Parse decodes a YAML or JSON document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Join(err, errParseConfig)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.resolvePasswords(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(DevModeEnvKey); ok && v != "" {
		devMode, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Join(err, fmt.Errorf("%s=%q", DevModeEnvKey, v), errParseDevMode)
		}
		c.DevMode = devMode
	}

	if v := os.Getenv(APIAddrEnvKey); v != "" {
		c.APIServer.Addr = v
	}

	if v := os.Getenv(MetricsAddrEnvKey); v != "" {
		c.MetricsServer.Addr = v
	}

	return nil
}

func (c *Config) resolvePasswords() error {
	var errs []error

	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if err := resolvePassword(&ep.Password, ep.PasswordEnv); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %q: %w", ep.Name, err))
		}
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if err := resolvePassword(&a.SSH.Password, a.SSH.PasswordEnv); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", a.Name, err))
		}
	}

	if err := resolvePassword(&c.APIServer.Password, c.APIServer.PasswordEnv); err != nil {
		errs = append(errs, fmt.Errorf("apiServer: %w", err))
	}

	return errors.Join(errs...)
}

func resolvePassword(password *string, env string) error {
	if env == "" {
		return nil
	}

	v, ok := os.LookupEnv(env)
	if !ok {
		return fmt.Errorf("%w: %s", errPasswordEnv, env)
	}

	*password = v
	return nil
}

func (c *Config) setDefaults() {
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = DefaultAPIAddr
	}

	if c.MetricsServer.Addr == "" {
		c.MetricsServer.Addr = DefaultMetricsAddr
	}

	if c.MetricsServer.Path == "" {
		c.MetricsServer.Path = DefaultMetricsPath
	}

	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		ep.Name = strings.TrimSpace(ep.Name)
		ep.URL = strings.TrimSpace(ep.URL)
		if ep.Backend == "" {
			ep.Backend = BackendOvirt
		}
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		a.Endpoint = strings.TrimSpace(a.Endpoint)
		a.RemoteFS = strings.TrimRight(a.RemoteFS, "/")

		if a.WaitSec == nil {
			waitSec := DefaultWaitSec
			a.WaitSec = &waitSec
		}

		if a.Retries == 0 {
			a.Retries = orchestrator.DefaultMaxRetries
		}

		if a.SSH.Port == 0 {
			a.SSH.Port = bootstrap.DefaultPort
		}

		if a.SSH.Retries == 0 {
			a.SSH.Retries = bootstrap.DefaultMaxRetries
		}

		if a.SSH.RetryWaitSec == 0 {
			a.SSH.RetryWaitSec = int(bootstrap.DefaultRetryWait / time.Second)
		}

		if a.SSH.LaunchTimeoutSec == 0 {
			a.SSH.LaunchTimeoutSec = int(bootstrap.DefaultLaunchTimeout / time.Second)
		}

		if a.Payload.JavaPath == "" {
			a.Payload.JavaPath = bootstrap.DefaultJavaPath
		}
	}
}

// Validate returns the aggregated configuration errors, and the warnings an
// operator should see but that do not prevent a launch.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error

	names := make(map[string]struct{}, len(c.Endpoints))
	ids := make(map[string]struct{}, len(c.Endpoints))

	for _, ep := range c.Endpoints {
		if err := ValidateName(ep.Name); err != nil {
			errs = append(errs, err)
		}

		if _, ok := names[ep.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: endpoint=%q", hypervisor.ErrDuplicateEndpoint, ep.Name))
		}
		names[ep.Name] = struct{}{}
		ids[ep.HypervisorConfig().Identity()] = struct{}{}

		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: url must be set", ep.Name))
		}

		if ep.Backend != BackendOvirt && ep.Backend != BackendLibvirt {
			errs = append(errs, fmt.Errorf("endpoint %q: unknown backend %q (valid values: %s, %s)",
				ep.Name, ep.Backend, BackendOvirt, BackendLibvirt))
		}
	}

	agents := make(map[string]struct{}, len(c.Agents))

	for _, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, errors.New("agent name must be set"))
		}

		if _, ok := agents[a.Name]; ok {
			errs = append(errs, fmt.Errorf("agent %q is defined more than once", a.Name))
		}
		agents[a.Name] = struct{}{}

		_, byName := names[a.Endpoint]
		_, byID := ids[a.Endpoint]
		if !byName && !byID {
			errs = append(errs, fmt.Errorf("agent %q: %w: %q", a.Name, hypervisor.ErrEndpointNotFound, a.Endpoint))
		}

		if a.VM == "" {
			errs = append(errs, fmt.Errorf("agent %q: vm must be set", a.Name))
		}

		switch {
		case a.WaitSec == nil:
		case *a.WaitSec < 0:
			errs = append(errs, fmt.Errorf("agent %q: waitSec must be a positive number", a.Name))
		case *a.WaitSec == 0:
			warnings = append(warnings, fmt.Sprintf("agent %q: waitSec is 0, the VM is assumed to be ready right away", a.Name))
		}

		if a.Retries < 1 {
			errs = append(errs, fmt.Errorf("agent %q: retries must be at least 1", a.Name))
		}

		if a.SnapshotCommitTimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("agent %q: snapshotCommitTimeoutSec must not be negative", a.Name))
		}

		if a.SSH.Port < 1 || a.SSH.Port > 65535 {
			errs = append(errs, fmt.Errorf("agent %q: invalid ssh port %d", a.Name, a.SSH.Port))
		}

		if a.SSH.Retries < 0 || a.SSH.RetryWaitSec < 0 || a.SSH.LaunchTimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("agent %q: ssh retries and timeouts must not be negative", a.Name))
		}

		if a.Payload.Path == "" {
			errs = append(errs, fmt.Errorf("agent %q: payload.path must be set", a.Name))
		}
	}

	return warnings, errors.Join(errs...)
}

// ValidateName checks an endpoint name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q must match [._a-z0-9]+", ErrInvalidName, name)
	}

	return nil
}

// HypervisorConfig converts the endpoint for hypervisor.NewEndpoint.
func (e Endpoint) HypervisorConfig() hypervisor.Config {
	return hypervisor.Config{
		Name:     e.Name,
		URL:      e.URL,
		Kind:     e.Backend,
		Username: e.Username,
		Password: e.Password,
		Cluster:  e.Cluster,
		CAFile:   e.CAFile,
		Insecure: e.Insecure,
	}.Normalize()
}

// OrchestratorConfig returns the lifecycle settings of the agent.
func (a Agent) OrchestratorConfig() orchestrator.Config {
	waitSec := DefaultWaitSec
	if a.WaitSec != nil {
		waitSec = *a.WaitSec
	}

	return orchestrator.Config{
		PollInterval:          time.Duration(waitSec) * time.Second,
		MaxRetries:            a.Retries,
		SnapshotCommitTimeout: time.Duration(a.SnapshotCommitTimeoutSec) * time.Second,
	}
}

// BootstrapConfig returns the remote bootstrap settings of the agent.
func (a Agent) BootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		Port:          a.SSH.Port,
		Username:      a.SSH.Username,
		Password:      a.SSH.Password,
		MaxRetries:    a.SSH.Retries,
		RetryWait:     time.Duration(a.SSH.RetryWaitSec) * time.Second,
		LaunchTimeout: time.Duration(a.SSH.LaunchTimeoutSec) * time.Second,
		RemoteFS:      a.RemoteFS,
		JavaPath:      a.Payload.JavaPath,
		JVMOptions:    a.Payload.JVMOptions,
		Payload: bootstrap.FilePayload{
			Path:       a.Payload.Path,
			RemoteName: a.Payload.RemoteName,
		},
	}
}
