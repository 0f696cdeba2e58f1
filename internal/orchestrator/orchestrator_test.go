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

//go:build unit

package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/connregistry"
	"github.com/alexandremahdhaoui/vmlaunch/internal/orchestrator"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/fakes/hypervisorfake"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/fakes/sshfake"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	down      = hypervisor.PowerStateDown
	up        = hypervisor.PowerStateUp
	poweringU = hypervisor.PowerStatePoweringUp
	locked    = hypervisor.PowerStateImageLocked
	other     = hypervisor.PowerStateOther
)

// mockBootstrapper is a func-field Bootstrapper recording the addresses it
// was asked to bootstrap.
type mockBootstrapper struct {
	mu            sync.Mutex
	addresses     []string
	bootstrapFunc func(ctx context.Context, address string) (*bootstrap.Handle, error)
}

func (m *mockBootstrapper) Bootstrap(ctx context.Context, address string, _ io.Writer) (*bootstrap.Handle, error) {
	m.mu.Lock()
	m.addresses = append(m.addresses, address)
	m.mu.Unlock()

	if m.bootstrapFunc != nil {
		return m.bootstrapFunc(ctx, address)
	}

	return nil, nil
}

func (m *mockBootstrapper) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.addresses...)
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []string
	failed []string
}

func (r *phaseRecorder) ObservePhase(phase string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.phases = append(r.phases, phase)
	if err != nil {
		r.failed = append(r.failed, phase)
	}
}

func newEndpoint(fake *hypervisorfake.Fake) *hypervisor.Endpoint {
	return hypervisor.NewEndpoint(hypervisor.Config{Name: "engine", URL: "https://engine.example.com/ovirt-engine/api"}, fake.Connector())
}

func fastConfig(maxRetries int) orchestrator.Config {
	return orchestrator.Config{
		PollInterval: time.Millisecond,
		MaxRetries:   maxRetries,
	}
}

func TestLaunch_AlreadyUpWithoutSnapshot(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:      "build-01",
		States:    []hypervisor.PowerState{up},
		Addresses: [][]string{{"10.0.0.7"}},
	})
	bs := &mockBootstrapper{}
	o := orchestrator.New(newEndpoint(fake), bs, fastConfig(5))

	_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, io.Discard)
	require.NoError(t, err)

	calls := fake.Calls()
	assert.Equal(t, 0, calls.Shutdown)
	assert.Equal(t, 0, calls.Start)
	assert.Equal(t, 0, calls.PreviewSnapshot)
	assert.Equal(t, 0, calls.CommitSnapshot)
	assert.Equal(t, 1, fake.Observations("build-01"))
	assert.Equal(t, []string{"10.0.0.7"}, bs.Addresses())
}

func TestLaunch_PowerUpSequence(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:      "build-01",
		States:    []hypervisor.PowerState{down, down, poweringU, up},
		Addresses: [][]string{{"10.0.0.7"}},
	})
	bs := &mockBootstrapper{}
	o := orchestrator.New(newEndpoint(fake), bs, orchestrator.Config{
		PollInterval: 10 * time.Millisecond,
		MaxRetries:   5,
	})

	var log bytes.Buffer
	_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, &log)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.Calls().Start)
	// One observation before the start, then three polls.
	assert.Equal(t, 4, fake.Observations("build-01"))
	assert.Equal(t, []string{"10.0.0.7"}, bs.Addresses())
	assert.Contains(t, log.String(), "Starting VM build-01 (state down).")
	assert.Contains(t, log.String(), "VM build-01 is up.")
}

func TestLaunch_StartupTimeout(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:   "build-01",
		States: []hypervisor.PowerState{down},
	})
	bs := &mockBootstrapper{}
	o := orchestrator.New(newEndpoint(fake), bs, fastConfig(3))

	_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, io.Discard)
	require.ErrorIs(t, err, orchestrator.ErrStartupTimeout)

	assert.Equal(t, 1, fake.Calls().Start)
	assert.Equal(t, 1+3, fake.Observations("build-01"))
	assert.Empty(t, bs.Addresses())
}

func TestLaunch_ShutdownTimeout(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:      "build-01",
		States:    []hypervisor.PowerState{up},
		Snapshots: []hypervisor.Snapshot{{ID: "s1", Description: "golden"}},
	})
	bs := &mockBootstrapper{}
	o := orchestrator.New(newEndpoint(fake), bs, fastConfig(4))

	req := orchestrator.Request{VMName: "build-01", Snapshot: "golden"}
	_, err := o.Launch(context.Background(), req, io.Discard)
	require.ErrorIs(t, err, orchestrator.ErrShutdownTimeout)

	calls := fake.Calls()
	assert.Equal(t, 1, calls.Shutdown)
	assert.Equal(t, 0, calls.PreviewSnapshot)
	assert.Equal(t, 0, calls.Start)
	assert.Equal(t, 1+4, fake.Observations("build-01"))
}

func TestLaunch_SnapshotNotFound(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:      "build-01",
		States:    []hypervisor.PowerState{down},
		Snapshots: []hypervisor.Snapshot{{ID: "s1", Description: "nightly"}},
	})
	bs := &mockBootstrapper{}
	o := orchestrator.New(newEndpoint(fake), bs, fastConfig(5))

	req := orchestrator.Request{VMName: "build-01", Snapshot: "golden"}
	_, err := o.Launch(context.Background(), req, io.Discard)
	require.ErrorIs(t, err, orchestrator.ErrSnapshotNotFound)
	assert.ErrorIs(t, err, hypervisor.ErrSnapshotNotFound)

	calls := fake.Calls()
	assert.Equal(t, 0, calls.Shutdown)
	assert.Equal(t, 0, calls.PreviewSnapshot)
	assert.Equal(t, 0, calls.Start)
	assert.Empty(t, bs.Addresses())
}

func TestLaunch_RevertToSnapshot(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:          "build-01",
		States:        []hypervisor.PowerState{up},
		Snapshots:     []hypervisor.Snapshot{{ID: "s1", Description: "golden"}},
		AfterShutdown: []hypervisor.PowerState{other, down},
		AfterCommit:   []hypervisor.PowerState{locked, locked, down},
		AfterStart:    []hypervisor.PowerState{poweringU, up},
		Addresses:     [][]string{nil, {"10.0.0.9", "fe80::1"}},
	})
	bs := &mockBootstrapper{}
	rec := &phaseRecorder{}
	cfg := fastConfig(5)
	cfg.Observer = rec
	o := orchestrator.New(newEndpoint(fake), bs, cfg)

	var log bytes.Buffer
	req := orchestrator.Request{VMName: "build-01", Snapshot: "golden"}
	_, err := o.Launch(context.Background(), req, &log)
	require.NoError(t, err)

	calls := fake.Calls()
	assert.Equal(t, 1, calls.Shutdown)
	assert.Equal(t, 1, calls.PreviewSnapshot)
	assert.Equal(t, 1, calls.CommitSnapshot)
	assert.Equal(t, 1, calls.Start)
	assert.Equal(t, []string{"s1"}, fake.Previewed())
	assert.Equal(t, []string{"10.0.0.9"}, bs.Addresses())

	assert.Equal(t, []string{
		orchestrator.PhaseShutdown,
		orchestrator.PhaseRevert,
		orchestrator.PhaseUnlock,
		orchestrator.PhaseStartup,
		orchestrator.PhaseAddress,
		orchestrator.PhaseBootstrap,
	}, rec.phases)
	assert.Empty(t, rec.failed)

	var types []string
	for _, e := range o.Events() {
		assert.Equal(t, "build-01", e.VMName)
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		"launch_start",
		"shutdown_start", "shutdown_success",
		"revert_start", "revert_success",
		"unlock_start", "unlock_success",
		"startup_start", "startup_success",
		"address_start", "address_success",
		"bootstrap_start", "bootstrap_success",
		"launch_success",
	}, types)

	assert.Contains(t, log.String(), `Reverting VM build-01 to snapshot "golden".`)
	assert.Contains(t, log.String(), "VM build-01 is reachable at 10.0.0.9.")
}

func TestLaunch_SnapshotAlreadyDown(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:        "build-01",
		States:      []hypervisor.PowerState{down},
		Snapshots:   []hypervisor.Snapshot{{ID: "s1", Description: "golden"}},
		AfterCommit: []hypervisor.PowerState{down},
		AfterStart:  []hypervisor.PowerState{up},
		Addresses:   [][]string{{"10.0.0.9"}},
	})
	o := orchestrator.New(newEndpoint(fake), &mockBootstrapper{}, fastConfig(5))

	req := orchestrator.Request{VMName: "build-01", Snapshot: "golden"}
	_, err := o.Launch(context.Background(), req, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 0, fake.Calls().Shutdown)
	assert.Equal(t, 1, fake.Calls().CommitSnapshot)
}

func TestLaunch_SnapshotLookupIsNotCached(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:        "build-01",
		States:      []hypervisor.PowerState{down},
		Snapshots:   []hypervisor.Snapshot{{ID: "s1", Description: "golden"}},
		AfterCommit: []hypervisor.PowerState{down},
		AfterStart:  []hypervisor.PowerState{up},
		Addresses:   [][]string{{"10.0.0.9"}},
	})
	o := orchestrator.New(newEndpoint(fake), &mockBootstrapper{}, fastConfig(5))
	req := orchestrator.Request{VMName: "build-01", Snapshot: "golden"}

	_, err := o.Launch(context.Background(), req, io.Discard)
	require.NoError(t, err)

	// The description is re-bound to a new snapshot between two launches.
	fake.SetSnapshots("build-01", hypervisor.Snapshot{ID: "s2", Description: "golden"})
	fake.SetStates("build-01", down)

	_, err = o.Launch(context.Background(), req, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2"}, fake.Previewed())
}

func TestLaunch_SnapshotCommitTimeout(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:        "build-01",
		States:      []hypervisor.PowerState{down},
		Snapshots:   []hypervisor.Snapshot{{ID: "s1", Description: "golden"}},
		AfterCommit: []hypervisor.PowerState{locked},
	})
	cfg := orchestrator.Config{
		PollInterval:          5 * time.Millisecond,
		MaxRetries:            2,
		SnapshotCommitTimeout: 30 * time.Millisecond,
	}
	o := orchestrator.New(newEndpoint(fake), &mockBootstrapper{}, cfg)

	req := orchestrator.Request{VMName: "build-01", Snapshot: "golden"}
	_, err := o.Launch(context.Background(), req, io.Discard)
	require.ErrorIs(t, err, orchestrator.ErrSnapshotCommitTimeout)

	// The lock wait is not bounded by MaxRetries.
	assert.Greater(t, fake.Observations("build-01"), 1+2)
	assert.Equal(t, 0, fake.Calls().Start)
}

func TestLaunch_UnboundedCommitWaitIsCancellable(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:        "build-01",
		States:      []hypervisor.PowerState{down},
		Snapshots:   []hypervisor.Snapshot{{ID: "s1", Description: "golden"}},
		AfterCommit: []hypervisor.PowerState{locked},
	})
	o := orchestrator.New(newEndpoint(fake), &mockBootstrapper{}, orchestrator.Config{
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := orchestrator.Request{VMName: "build-01", Snapshot: "golden"}
	_, err := o.Launch(ctx, req, io.Discard)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, fake.Calls().Start)
}

func TestLaunch_AddressTimeout(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:   "build-01",
		States: []hypervisor.PowerState{up},
	})
	bs := &mockBootstrapper{}
	o := orchestrator.New(newEndpoint(fake), bs, fastConfig(2))

	_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, io.Discard)
	require.ErrorIs(t, err, orchestrator.ErrAddressTimeout)
	assert.Equal(t, 2, fake.Calls().Addresses)
	assert.Empty(t, bs.Addresses())
}

func TestLaunch_VMNotFound(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:   "build-01",
		States: []hypervisor.PowerState{up},
	})
	o := orchestrator.New(newEndpoint(fake), &mockBootstrapper{}, fastConfig(5))

	_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-02"}, io.Discard)
	require.ErrorIs(t, err, hypervisor.ErrVMNotFound)
	assert.Equal(t, 0, fake.Calls().Start)
}

func TestLaunch_StartFailure(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:   "build-01",
		States: []hypervisor.PowerState{down},
	})
	refused := errors.New("operation failed: host has no free memory")
	fake.StartErr = refused
	o := orchestrator.New(newEndpoint(fake), &mockBootstrapper{}, fastConfig(5))

	_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, io.Discard)
	require.ErrorIs(t, err, refused)
	assert.Equal(t, 1, fake.Observations("build-01"))
}

func TestLaunch_BootstrapFailure(t *testing.T) {
	t.Run("wrapped error", func(t *testing.T) {
		fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
			Name:      "build-01",
			States:    []hypervisor.PowerState{up},
			Addresses: [][]string{{"10.0.0.7"}},
		})
		cause := errors.New("connection refused")
		bs := &mockBootstrapper{bootstrapFunc: func(context.Context, string) (*bootstrap.Handle, error) {
			return nil, cause
		}}
		rec := &phaseRecorder{}
		cfg := fastConfig(5)
		cfg.Observer = rec
		o := orchestrator.New(newEndpoint(fake), bs, cfg)

		_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, io.Discard)
		require.ErrorIs(t, err, orchestrator.ErrBootstrapFailed)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, []string{orchestrator.PhaseBootstrap}, rec.failed)

		events := o.Events()
		assert.Equal(t, "launch_failed", events[len(events)-1].EventType)
	})

	t.Run("unexpected session output", func(t *testing.T) {
		fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
			Name:      "build-01",
			States:    []hypervisor.PowerState{up},
			Addresses: [][]string{{"10.0.0.7"}},
		})
		ssh := sshfake.New()
		ssh.Outputs["true"] = "Last login: Mon Oct 12 09:00:00 2026 from 10.0.0.1\n"
		registry := connregistry.New()
		bs := &bootstrap.Bootstrapper{
			Config: bootstrap.Config{
				Username: "ci",
				Password: "secret",
				RemoteFS: "/srv/agent",
				Payload:  bootstrap.BytesPayload{FileName: "agent.jar", Data: []byte("jar")},
			},
			Dialer:   ssh,
			Registry: registry,
		}
		o := orchestrator.New(newEndpoint(fake), bs, fastConfig(5))

		_, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, io.Discard)
		require.ErrorIs(t, err, orchestrator.ErrBootstrapFailed)
		assert.ErrorIs(t, err, bootstrap.ErrUnexpectedSessionOutput)
		assert.Equal(t, 0, registry.Len())
		assert.Equal(t, 1, ssh.Conns()[0].Closed())
	})
}

func TestLaunch_Success(t *testing.T) {
	fake := hypervisorfake.New().WithVM(hypervisorfake.VM{
		Name:      "build-01",
		States:    []hypervisor.PowerState{up},
		Addresses: [][]string{{"10.0.0.7"}},
	})
	ssh := sshfake.New()
	registry := connregistry.New()
	bs := &bootstrap.Bootstrapper{
		Config: bootstrap.Config{
			Username: "ci",
			Password: "secret",
			RemoteFS: "/srv/agent",
			Payload:  bootstrap.BytesPayload{FileName: "agent.jar", Data: []byte("jar")},
		},
		Dialer:   ssh,
		Registry: registry,
	}
	o := orchestrator.New(newEndpoint(fake), bs, fastConfig(5))

	h, err := o.Launch(context.Background(), orchestrator.Request{VMName: "build-01"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:22", h.RemoteAddr())
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, h.Close())
	assert.Equal(t, 0, registry.Len())
}
