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

// Package orchestrator drives a VM from whatever state it is in to a
// running agent: ensure down, revert to a snapshot, wait for the image to be
// unlocked, ensure up, wait for an address, then delegate to the bootstrap.
//
// Remote state is always observed by polling. A requested transition is never
// assumed to have taken effect.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxRetries   = 5
)

// Phases reported to the PhaseObserver and recorded as events.
const (
	PhaseShutdown  = "shutdown"
	PhaseRevert    = "revert"
	PhaseUnlock    = "unlock"
	PhaseStartup   = "startup"
	PhaseAddress   = "address"
	PhaseBootstrap = "bootstrap"
)

// Bootstrapper is the final launch stage, invoked once the VM is reachable.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, address string, log io.Writer) (*bootstrap.Handle, error)
}

// PhaseObserver is notified when a phase ends.
type PhaseObserver interface {
	ObservePhase(phase string, d time.Duration, err error)
}

type Config struct {
	// PollInterval separates two observations of the VM. Zero polls without
	// waiting.
	PollInterval time.Duration
	// MaxRetries bounds the observations of every bounded wait.
	MaxRetries int
	// SnapshotCommitTimeout caps the wait for the image lock to be released
	// after a revert. Zero waits until the context is done.
	SnapshotCommitTimeout time.Duration

	Clock    clock.Clock
	Observer PhaseObserver
}

func (c Config) withDefaults() Config {
	if c.PollInterval < 0 {
		c.PollInterval = DefaultPollInterval
	}

	// retry.Call rejects a zero delay.
	if c.PollInterval == 0 {
		c.PollInterval = time.Millisecond
	}

	if c.MaxRetries < 1 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.Clock == nil {
		c.Clock = clock.WallClock
	}

	return c
}

// Request names the VM to launch and the snapshot to revert it to, if any.
type Request struct {
	VMName   string
	Snapshot string
}

// Event is one entry of the launch timeline.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	VMName    string    `json:"vmName"`
	EventType string    `json:"eventType"`
	Details   string    `json:"details,omitempty"`
}

// Orchestrator runs launches against one provider. A launch is strictly
// sequential; concurrent launches of the same VM are not supported.
type Orchestrator struct {
	provider     hypervisor.VMProvider
	bootstrapper Bootstrapper
	cfg          Config

	mu     sync.Mutex
	events []Event
}

func New(provider hypervisor.VMProvider, bootstrapper Bootstrapper, cfg Config) *Orchestrator {
	return &Orchestrator{
		provider:     provider,
		bootstrapper: bootstrapper,
		cfg:          cfg.withDefaults(),
		events:       make([]Event, 0),
	}
}

// Launch brings the VM up and bootstraps the agent on it. Every phase writes
// a progress line to log before it blocks.
func (o *Orchestrator) Launch(ctx context.Context, req Request, log io.Writer) (*bootstrap.Handle, error) {
	if o.provider == nil {
		return nil, errNoProvider
	}

	if o.bootstrapper == nil {
		return nil, errNoBootstrap
	}

	logf(log, "Launching VM %s on %s.", req.VMName, o.provider.ID())
	o.RecordEvent(req.VMName, "launch_start", fmt.Sprintf("snapshot=%q", req.Snapshot))

	handle, err := o.launch(ctx, req, log)
	if err != nil {
		logf(log, "Launch of VM %s failed: %v", req.VMName, err)
		o.RecordEvent(req.VMName, "launch_failed", err.Error())
		return nil, err
	}

	details := ""
	if handle != nil {
		details = handle.RemoteAddr()
	}

	o.RecordEvent(req.VMName, "launch_success", details)
	return handle, nil
}

func (o *Orchestrator) launch(ctx context.Context, req Request, log io.Writer) (*bootstrap.Handle, error) {
	if req.Snapshot != "" {
		if err := o.phase(req.VMName, PhaseShutdown, func() error {
			return o.ensureDown(ctx, req.VMName, log)
		}); err != nil {
			return nil, err
		}

		if err := o.phase(req.VMName, PhaseRevert, func() error {
			return o.revert(ctx, req, log)
		}); err != nil {
			return nil, err
		}

		if err := o.phase(req.VMName, PhaseUnlock, func() error {
			return o.waitUnlocked(ctx, req.VMName, log)
		}); err != nil {
			return nil, err
		}
	}

	var vm hypervisor.VM
	if err := o.phase(req.VMName, PhaseStartup, func() error {
		var err error
		vm, err = o.ensureUp(ctx, req.VMName, log)
		return err
	}); err != nil {
		return nil, err
	}

	var address string
	if err := o.phase(req.VMName, PhaseAddress, func() error {
		var err error
		address, err = o.waitForAddress(ctx, vm, log)
		return err
	}); err != nil {
		return nil, err
	}

	var handle *bootstrap.Handle
	if err := o.phase(req.VMName, PhaseBootstrap, func() error {
		var err error
		handle, err = o.bootstrapper.Bootstrap(ctx, address, log)
		if err != nil {
			return fmt.Errorf("%w: vm=%s address=%s: %w", ErrBootstrapFailed, req.VMName, address, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return handle, nil
}

// ensureDown shuts the VM down unless it already is, then waits for DOWN.
func (o *Orchestrator) ensureDown(ctx context.Context, name string, log io.Writer) error {
	vm, err := o.getVM(ctx, name)
	if err != nil {
		return err
	}

	if vm.State == hypervisor.PowerStateDown {
		logf(log, "VM %s is already %s.", name, hypervisor.PowerStateDown)
		return nil
	}

	logf(log, "Shutting down VM %s (state %s).", name, vm.State)
	if err := o.provider.Shutdown(ctx, vm); err != nil {
		return errors.Join(err, fmt.Errorf("vm=%s", name), errShutdown)
	}

	if _, err := o.awaitState(ctx, name, hypervisor.PowerStateDown, log); err != nil {
		return o.timeout(ctx, err, ErrShutdownTimeout, name)
	}

	logf(log, "VM %s is %s.", name, hypervisor.PowerStateDown)
	return nil
}

// revert resolves the snapshot at the time of use and reverts the VM to it.
func (o *Orchestrator) revert(ctx context.Context, req Request, log io.Writer) error {
	vm, err := o.getVM(ctx, req.VMName)
	if err != nil {
		return err
	}

	snapshot, err := o.provider.FindSnapshot(ctx, vm, req.Snapshot)
	if err != nil {
		if errors.Is(err, hypervisor.ErrSnapshotNotFound) {
			return fmt.Errorf("%w: vm=%s snapshot=%q: %w", ErrSnapshotNotFound, req.VMName, req.Snapshot, err)
		}
		return err
	}

	logf(log, "Reverting VM %s to snapshot %q.", req.VMName, snapshot.Description)
	if err := o.provider.RevertToSnapshot(ctx, vm, snapshot); err != nil {
		return errors.Join(err, fmt.Errorf("vm=%s snapshot=%q", req.VMName, req.Snapshot), errRevert)
	}

	logf(log, "Snapshot %q committed on VM %s.", snapshot.Description, req.VMName)
	return nil
}

// waitUnlocked polls until the VM leaves IMAGE_LOCKED. It is only bounded by
// SnapshotCommitTimeout and by ctx.
func (o *Orchestrator) waitUnlocked(ctx context.Context, name string, log io.Writer) error {
	logf(log, "Waiting for the image of VM %s to be unlocked.", name)

	args := o.callArgs(ctx, func() error {
		vm, err := o.getVM(ctx, name)
		if err != nil {
			return err
		}
		if vm.State == hypervisor.PowerStateImageLocked {
			return errNotYet
		}
		return nil
	})
	args.Attempts = -1
	args.MaxDuration = o.cfg.SnapshotCommitTimeout
	args.IsFatalError = func(err error) bool { return !errors.Is(err, errNotYet) }
	args.NotifyFunc = func(error, int) {}

	if err := retry.Call(args); err != nil {
		if retry.IsDurationExceeded(err) {
			return fmt.Errorf("%w: vm=%s timeout=%s", ErrSnapshotCommitTimeout, name, o.cfg.SnapshotCommitTimeout)
		}
		if retry.IsRetryStopped(err) {
			return ctx.Err()
		}
		return err
	}

	logf(log, "Image of VM %s is unlocked.", name)
	return nil
}

// ensureUp starts the VM unless it already is UP, then waits for UP.
func (o *Orchestrator) ensureUp(ctx context.Context, name string, log io.Writer) (hypervisor.VM, error) {
	vm, err := o.getVM(ctx, name)
	if err != nil {
		return hypervisor.VM{}, err
	}

	if vm.State == hypervisor.PowerStateUp {
		logf(log, "VM %s is already %s.", name, hypervisor.PowerStateUp)
		return vm, nil
	}

	logf(log, "Starting VM %s (state %s).", name, vm.State)
	if err := o.provider.Start(ctx, vm); err != nil {
		return hypervisor.VM{}, errors.Join(err, fmt.Errorf("vm=%s", name), errStart)
	}

	vm, err = o.awaitState(ctx, name, hypervisor.PowerStateUp, log)
	if err != nil {
		return hypervisor.VM{}, o.timeout(ctx, err, ErrStartupTimeout, name)
	}

	logf(log, "VM %s is %s.", name, hypervisor.PowerStateUp)
	return vm, nil
}

// waitForAddress polls the addresses reported by the VM and returns the
// first one.
func (o *Orchestrator) waitForAddress(ctx context.Context, vm hypervisor.VM, log io.Writer) (string, error) {
	logf(log, "Waiting for VM %s to report a network address.", vm.Name)

	var address string
	args := o.callArgs(ctx, func() error {
		addrs, err := o.provider.Addresses(ctx, vm)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			return errNotYet
		}
		address = addrs[0]
		return nil
	})
	args.NotifyFunc = func(_ error, attempt int) {
		if attempt < o.cfg.MaxRetries {
			logf(log, "No address reported by VM %s yet (%d/%d).", vm.Name, attempt, o.cfg.MaxRetries)
		}
	}

	if err := retry.Call(args); err != nil {
		return "", o.timeout(ctx, err, ErrAddressTimeout, vm.Name)
	}

	logf(log, "VM %s is reachable at %s.", vm.Name, address)
	return address, nil
}

// awaitState observes the VM at most MaxRetries times until it reports want.
func (o *Orchestrator) awaitState(ctx context.Context, name string, want hypervisor.PowerState, log io.Writer) (hypervisor.VM, error) {
	var (
		vm   hypervisor.VM
		last hypervisor.PowerState
	)

	args := o.callArgs(ctx, func() error {
		v, err := o.getVM(ctx, name)
		if err != nil {
			return err
		}
		last = v.State
		if v.State != want {
			return errNotYet
		}
		vm = v
		return nil
	})
	args.NotifyFunc = func(_ error, attempt int) {
		if attempt < o.cfg.MaxRetries {
			logf(log, "Waiting for VM %s to be %s, currently %s (%d/%d).", name, want, last, attempt, o.cfg.MaxRetries)
		}
	}

	if err := retry.Call(args); err != nil {
		return hypervisor.VM{}, err
	}

	return vm, nil
}

// callArgs returns the bounded poll loop shared by every wait. The first
// observation is immediate.
func (o *Orchestrator) callArgs(ctx context.Context, fn func() error) retry.CallArgs {
	return retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return errors.Is(err, hypervisor.ErrVMNotFound) || ctx.Err() != nil
		},
		Attempts: o.cfg.MaxRetries,
		Delay:    o.cfg.PollInterval,
		Clock:    o.cfg.Clock,
		Stop:     ctx.Done(),
	}
}

// timeout converts an exhausted poll loop into the terminal error of the
// phase. Cancellation and fatal errors are returned as they are.
func (o *Orchestrator) timeout(ctx context.Context, err, terminal error, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !retry.IsAttemptsExceeded(err) {
		return err
	}

	if cause := retry.LastError(err); cause != nil && !errors.Is(cause, errNotYet) {
		return fmt.Errorf("%w: vm=%s retries=%d: %w", terminal, name, o.cfg.MaxRetries, cause)
	}

	return fmt.Errorf("%w: vm=%s retries=%d", terminal, name, o.cfg.MaxRetries)
}

func (o *Orchestrator) getVM(ctx context.Context, name string) (hypervisor.VM, error) {
	vm, err := o.provider.GetVM(ctx, name)
	if err != nil {
		if errors.Is(err, hypervisor.ErrVMNotFound) {
			return hypervisor.VM{}, err
		}
		return hypervisor.VM{}, errors.Join(err, fmt.Errorf("vm=%s", name), errGetVM)
	}

	return vm, nil
}

func (o *Orchestrator) phase(name, phase string, fn func() error) error {
	o.RecordEvent(name, phase+"_start", "")
	start := o.cfg.Clock.Now()

	err := fn()

	if o.cfg.Observer != nil {
		o.cfg.Observer.ObservePhase(phase, o.cfg.Clock.Now().Sub(start), err)
	}

	if err != nil {
		o.RecordEvent(name, phase+"_failed", err.Error())
		return err
	}

	o.RecordEvent(name, phase+"_success", "")
	return nil
}

// RecordEvent appends an event to the launch timeline.
func (o *Orchestrator) RecordEvent(vmName, eventType, details string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.events = append(o.events, Event{
		Timestamp: o.cfg.Clock.Now(),
		VMName:    vmName,
		EventType: eventType,
		Details:   details,
	})
}

// Events returns a copy of the recorded events.
func (o *Orchestrator) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]Event(nil), o.events...)
}

func logf(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}

	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
