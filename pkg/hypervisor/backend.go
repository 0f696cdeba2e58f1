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

// Package hypervisor resolves configured virtualization endpoints to live
// connections and exposes read and power/snapshot actions on their VMs.
package hypervisor

import (
	"context"
	"strings"
)

// Backend is a live connection to a virtualization server. Implementations
// are thin wrappers around a vendor SDK; all identifiers are backend IDs.
type Backend interface {
	// ListVMs returns every VM visible to the authenticated user.
	ListVMs(ctx context.Context) ([]VM, error)
	// GetCluster looks a cluster up by name.
	GetCluster(ctx context.Context, name string) (Cluster, error)
	// ListSnapshots returns the current snapshot list of a VM.
	ListSnapshots(ctx context.Context, vmID string) ([]Snapshot, error)
	// Addresses returns the network addresses reported for a VM.
	Addresses(ctx context.Context, vmID string) ([]string, error)

	StartVM(ctx context.Context, vmID string) error
	ShutdownVM(ctx context.Context, vmID string) error
	PreviewSnapshot(ctx context.Context, vmID, snapshotID string) error
	CommitSnapshot(ctx context.Context, vmID string) error

	Close() error
}

// Connector opens a Backend for an endpoint configuration.
type Connector func(ctx context.Context, cfg Config) (Backend, error)

// Config is the flat, persisted field set of one hypervisor endpoint.
type Config struct {
	// Name is the display name of the endpoint.
	Name string `json:"name"`
	// URL is the API URL of the virtualization server.
	URL string `json:"url"`
	// Kind selects the backend implementation, e.g. "ovirt" or "libvirt".
	Kind string `json:"backend,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Cluster optionally restricts the visible VMs to one cluster.
	Cluster string `json:"cluster,omitempty"`
	// CAFile is optional trust material for the API's TLS certificate.
	CAFile string `json:"caFile,omitempty"`
	// Insecure disables TLS verification.
	Insecure bool `json:"insecure,omitempty"`
}

// Normalize trims every string field.
func (c Config) Normalize() Config {
	c.Name = strings.TrimSpace(c.Name)
	c.URL = strings.TrimSpace(c.URL)
	c.Kind = strings.TrimSpace(c.Kind)
	c.Username = strings.TrimSpace(c.Username)
	c.Password = strings.TrimSpace(c.Password)
	c.Cluster = strings.TrimSpace(c.Cluster)
	c.CAFile = strings.TrimSpace(c.CAFile)
	return c
}

// Identity returns the string an endpoint is addressed by: "<name> <url>".
func (c Config) Identity() string {
	return c.Name + " " + c.URL
}

// VMProvider is the capability the lifecycle orchestrator drives. Every
// method re-queries remote state.
type VMProvider interface {
	// ID identifies the provider, for logs and metrics.
	ID() string

	GetVM(ctx context.Context, name string) (VM, error)
	FindSnapshot(ctx context.Context, vm VM, description string) (Snapshot, error)
	Addresses(ctx context.Context, vm VM) ([]string, error)

	Start(ctx context.Context, vm VM) error
	Shutdown(ctx context.Context, vm VM) error
	// RevertToSnapshot previews and then commits a snapshot.
	RevertToSnapshot(ctx context.Context, vm VM, snapshot Snapshot) error
}
