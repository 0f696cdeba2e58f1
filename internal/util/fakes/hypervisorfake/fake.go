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

// Package hypervisorfake is a scripted in-memory hypervisor backend.
//
// Every VM carries a sequence of power states. Each ListVMs call is one
// observation: it reports the head of the sequence and advances it, and the
// last state sticks once the sequence is exhausted.
package hypervisorfake

import (
	"context"
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
)

var _ hypervisor.Backend = &Fake{}

// VM is the scripted state of one fake VM.
type VM struct {
	ID        string
	Name      string
	ClusterID string

	States    []hypervisor.PowerState
	Snapshots []hypervisor.Snapshot
	// Addresses is a sequence of observations, like States.
	Addresses [][]string

	// AfterStart, AfterShutdown and AfterCommit replace States when the
	// matching action is issued. A nil value leaves States untouched.
	AfterStart    []hypervisor.PowerState
	AfterShutdown []hypervisor.PowerState
	AfterCommit   []hypervisor.PowerState

	cursor       int
	addrCursor   int
	observations int
}

// Calls counts the requests the fake received.
type Calls struct {
	Connect         int
	ListVMs         int
	GetCluster      int
	ListSnapshots   int
	Addresses       int
	Start           int
	Shutdown        int
	PreviewSnapshot int
	CommitSnapshot  int
	Close           int
}

type Fake struct {
	mu       sync.Mutex
	vms      []*VM
	clusters []hypervisor.Cluster
	calls    Calls
	preview  []string

	// ConnectErr is returned by the Connector while set.
	ConnectErr error
	// ListErr is returned by ListVMs while set.
	ListErr error
	// StartErr is returned by StartVM while set.
	StartErr error
}

func New() *Fake {
	return &Fake{}
}

// WithVM adds a VM. The States sequence must not be empty.
func (f *Fake) WithVM(vm VM) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if vm.ID == "" {
		vm.ID = "id-" + vm.Name
	}

	f.vms = append(f.vms, &vm)
	return f
}

func (f *Fake) WithCluster(c hypervisor.Cluster) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clusters = append(f.clusters, c)
	return f
}

// SetSnapshots replaces the snapshot list of the named VM.
func (f *Fake) SetSnapshots(vmName string, snapshots ...hypervisor.Snapshot) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if vm := f.byName(vmName); vm != nil {
		vm.Snapshots = snapshots
	}

	return f
}

// SetStates replaces the state sequence of the named VM.
func (f *Fake) SetStates(vmName string, states ...hypervisor.PowerState) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if vm := f.byName(vmName); vm != nil {
		vm.States = states
		vm.cursor = 0
	}

	return f
}

// Calls returns a copy of the call counters.
func (f *Fake) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// Observations returns how many times the named VM's state was read.
func (f *Fake) Observations(vmName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if vm := f.byName(vmName); vm != nil {
		return vm.observations
	}

	return 0
}

// Previewed returns the snapshot IDs passed to PreviewSnapshot, in order.
func (f *Fake) Previewed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.preview...)
}

// Connector returns a hypervisor.Connector that hands out the fake.
func (f *Fake) Connector() hypervisor.Connector {
	return func(_ context.Context, _ hypervisor.Config) (hypervisor.Backend, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.calls.Connect++
		if f.ConnectErr != nil {
			return nil, f.ConnectErr
		}

		return f, nil
	}
}

func (f *Fake) ListVMs(_ context.Context) ([]hypervisor.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.ListVMs++
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	out := make([]hypervisor.VM, 0, len(f.vms))
	for _, vm := range f.vms {
		state := next(vm.States, vm.cursor)
		vm.cursor++
		vm.observations++

		out = append(out, hypervisor.VM{
			ID:        vm.ID,
			Name:      vm.Name,
			ClusterID: vm.ClusterID,
			State:     state,
			RawState:  state.String(),
		})
	}

	return out, nil
}

func (f *Fake) GetCluster(_ context.Context, name string) (hypervisor.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.GetCluster++
	for _, c := range f.clusters {
		if c.Name == name {
			return c, nil
		}
	}

	return hypervisor.Cluster{}, fmt.Errorf("%w: cluster=%q", hypervisor.ErrClusterNotFound, name)
}

func (f *Fake) ListSnapshots(_ context.Context, vmID string) ([]hypervisor.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.ListSnapshots++
	vm, err := f.byID(vmID)
	if err != nil {
		return nil, err
	}

	return append([]hypervisor.Snapshot(nil), vm.Snapshots...), nil
}

func (f *Fake) Addresses(_ context.Context, vmID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, err := f.byID(vmID)
	if err != nil {
		return nil, err
	}

	f.calls.Addresses++
	i := vm.addrCursor
	vm.addrCursor++
	if len(vm.Addresses) == 0 {
		return nil, nil
	}

	if i >= len(vm.Addresses) {
		i = len(vm.Addresses) - 1
	}

	return append([]string(nil), vm.Addresses[i]...), nil
}

func (f *Fake) StartVM(_ context.Context, vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Start++
	if f.StartErr != nil {
		return f.StartErr
	}

	vm, err := f.byID(vmID)
	if err != nil {
		return err
	}

	rescript(vm, vm.AfterStart)
	return nil
}

func (f *Fake) ShutdownVM(_ context.Context, vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Shutdown++
	vm, err := f.byID(vmID)
	if err != nil {
		return err
	}

	rescript(vm, vm.AfterShutdown)
	return nil
}

func (f *Fake) PreviewSnapshot(_ context.Context, vmID, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.PreviewSnapshot++
	if _, err := f.byID(vmID); err != nil {
		return err
	}

	f.preview = append(f.preview, snapshotID)
	return nil
}

func (f *Fake) CommitSnapshot(_ context.Context, vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.CommitSnapshot++
	vm, err := f.byID(vmID)
	if err != nil {
		return err
	}

	rescript(vm, vm.AfterCommit)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls.Close++
	return nil
}

func (f *Fake) byName(name string) *VM {
	for _, vm := range f.vms {
		if vm.Name == name {
			return vm
		}
	}

	return nil
}

func (f *Fake) byID(id string) (*VM, error) {
	for _, vm := range f.vms {
		if vm.ID == id {
			return vm, nil
		}
	}

	return nil, fmt.Errorf("%w: vmID=%q", hypervisor.ErrVMNotFound, id)
}

func next(states []hypervisor.PowerState, i int) hypervisor.PowerState {
	if len(states) == 0 {
		return hypervisor.PowerStateOther
	}

	if i >= len(states) {
		return states[len(states)-1]
	}

	return states[i]
}

// rescript restarts the state cursor on a new sequence.
func rescript(vm *VM, states []hypervisor.PowerState) {
	if states == nil {
		return
	}

	vm.States = states
	vm.cursor = 0
}
