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

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/lazy"
)

var _ VMProvider = &Endpoint{}

// Endpoint is one configured virtualization server. Its configuration never
// changes after construction; only the backend connection and the cluster
// reference are initialized lazily, at most once each.
type Endpoint struct {
	cfg     Config
	connect Connector

	backend lazy.Cell[Backend]
	cluster lazy.Cell[*Cluster]
}

// NewEndpoint returns an Endpoint for the normalized cfg. No connection is
// opened until the first call that needs one.
func NewEndpoint(cfg Config, connect Connector) *Endpoint {
	return &Endpoint{
		cfg:     cfg.Normalize(),
		connect: connect,
	}
}

// ID returns the identity string "<name> <url>".
func (e *Endpoint) ID() string { return e.cfg.Identity() }

// Name returns the display name.
func (e *Endpoint) Name() string { return e.cfg.Name }

// Config returns a copy of the endpoint configuration.
func (e *Endpoint) Config() Config { return e.cfg }

// Backend returns the memoized connection, opening it on first use.
func (e *Endpoint) Backend(ctx context.Context) (Backend, error) {
	return e.backend.Get(func() (Backend, error) {
		if e.connect == nil {
			return nil, errors.Join(errNoConnector, fmt.Errorf("endpoint=%q", e.ID()))
		}

		b, err := e.connect(ctx, e.cfg)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("endpoint=%q", e.ID()), errConnect)
		}

		slog.Debug("connected to hypervisor endpoint", "endpoint", e.ID())
		return b, nil
	})
}

// ResolveCluster returns the memoized cluster reference, or nil when no
// cluster filter is configured.
func (e *Endpoint) ResolveCluster(ctx context.Context) (*Cluster, error) {
	if e.cfg.Cluster == "" {
		return nil, nil
	}

	return e.cluster.Get(func() (*Cluster, error) {
		b, err := e.Backend(ctx)
		if err != nil {
			return nil, err
		}

		c, err := b.GetCluster(ctx, e.cfg.Cluster)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("cluster=%q", e.cfg.Cluster), errGetCluster)
		}

		return &c, nil
	})
}

// ListVMs fetches every VM, filtered to the configured cluster if any.
// A transport or authentication failure is always returned as an error.
func (e *Endpoint) ListVMs(ctx context.Context) ([]VM, error) {
	b, err := e.Backend(ctx)
	if err != nil {
		return nil, err
	}

	cluster, err := e.ResolveCluster(ctx)
	if err != nil {
		return nil, err
	}

	all, err := b.ListVMs(ctx)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("endpoint=%q", e.ID()), errListVMs)
	}

	if cluster == nil {
		return all, nil
	}

	out := make([]VM, 0, len(all))
	for _, vm := range all {
		if vm.ClusterID == cluster.ID {
			out = append(out, vm)
		}
	}

	return out, nil
}

// VMNames lists the names of the VMs in scope.
func (e *Endpoint) VMNames(ctx context.Context) ([]string, error) {
	vms, err := e.ListVMs(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(vms))
	for _, vm := range vms {
		names = append(names, vm.Name)
	}

	return names, nil
}

// GetVM finds a VM by name. It returns ErrVMNotFound if the name is absent.
func (e *Endpoint) GetVM(ctx context.Context, name string) (VM, error) {
	vms, err := e.ListVMs(ctx)
	if err != nil {
		return VM{}, err
	}

	for _, vm := range vms {
		if vm.Name == name {
			return vm, nil
		}
	}

	return VM{}, fmt.Errorf("%w: vmName=%q endpoint=%q", ErrVMNotFound, name, e.ID())
}

// Snapshots returns the current snapshot list of vm.
func (e *Endpoint) Snapshots(ctx context.Context, vm VM) ([]Snapshot, error) {
	b, err := e.Backend(ctx)
	if err != nil {
		return nil, err
	}

	snapshots, err := b.ListSnapshots(ctx, vm.ID)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%q", vm.Name), errListSnapshots)
	}

	return snapshots, nil
}

// SnapshotNames lists the snapshot descriptions of the named VM.
func (e *Endpoint) SnapshotNames(ctx context.Context, vmName string) ([]string, error) {
	vm, err := e.GetVM(ctx, vmName)
	if err != nil {
		return nil, err
	}

	snapshots, err := e.Snapshots(ctx, vm)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		names = append(names, s.Description)
	}

	return names, nil
}

// FindSnapshot resolves a snapshot by description. The snapshot list is
// queried on every call since a description may be re-bound to a new
// snapshot at any time.
func (e *Endpoint) FindSnapshot(ctx context.Context, vm VM, description string) (Snapshot, error) {
	snapshots, err := e.Snapshots(ctx, vm)
	if err != nil {
		return Snapshot{}, err
	}

	for _, s := range snapshots {
		if s.Description == description {
			return s, nil
		}
	}

	return Snapshot{}, fmt.Errorf("%w: snapshot=%q vmName=%q", ErrSnapshotNotFound, description, vm.Name)
}

// Addresses returns the network addresses currently reported for vm.
func (e *Endpoint) Addresses(ctx context.Context, vm VM) ([]string, error) {
	b, err := e.Backend(ctx)
	if err != nil {
		return nil, err
	}

	addrs, err := b.Addresses(ctx, vm.ID)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%q", vm.Name), errGetAddresses)
	}

	return addrs, nil
}

func (e *Endpoint) Start(ctx context.Context, vm VM) error {
	b, err := e.Backend(ctx)
	if err != nil {
		return err
	}

	if err := b.StartVM(ctx, vm.ID); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%q", vm.Name), errStartVM)
	}

	return nil
}

func (e *Endpoint) Shutdown(ctx context.Context, vm VM) error {
	b, err := e.Backend(ctx)
	if err != nil {
		return err
	}

	if err := b.ShutdownVM(ctx, vm.ID); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%q", vm.Name), errShutdownVM)
	}

	return nil
}

// RevertToSnapshot previews snapshot and then commits it, in that order.
func (e *Endpoint) RevertToSnapshot(ctx context.Context, vm VM, snapshot Snapshot) error {
	b, err := e.Backend(ctx)
	if err != nil {
		return err
	}

	if err := b.PreviewSnapshot(ctx, vm.ID, snapshot.ID); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%q snapshot=%q", vm.Name, snapshot.Description), errPreview)
	}

	if err := b.CommitSnapshot(ctx, vm.ID); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%q snapshot=%q", vm.Name, snapshot.Description), errCommit)
	}

	return nil
}

// Close releases the memoized connection, if one was opened. The endpoint
// reconnects on the next call.
func (e *Endpoint) Close() error {
	e.cluster.Reset()

	b, ok := e.backend.Reset()
	if !ok || b == nil {
		return nil
	}

	return b.Close()
}

// TestConnection opens a connection for cfg and closes it right away.
func TestConnection(ctx context.Context, connect Connector, cfg Config) error {
	ep := NewEndpoint(cfg, connect)

	if _, err := ep.Backend(ctx); err != nil {
		return err
	}

	return ep.Close()
}
