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

package hypervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alexandremahdhaoui/vmlaunch/internal/util/fakes/hypervisorfake"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEndpoint(fake *hypervisorfake.Fake, cluster string) *hypervisor.Endpoint {
	return hypervisor.NewEndpoint(hypervisor.Config{
		Name:    " engine ",
		URL:     "https://engine.example.com/ovirt-engine/api ",
		Cluster: cluster,
	}, fake.Connector())
}

func TestParsePowerState(t *testing.T) {
	for raw, expected := range map[string]hypervisor.PowerState{
		"down":         hypervisor.PowerStateDown,
		"DOWN":         hypervisor.PowerStateDown,
		"Up":           hypervisor.PowerStateUp,
		"powering_up":  hypervisor.PowerStatePoweringUp,
		"Powering Up":  hypervisor.PowerStatePoweringUp,
		"image_locked": hypervisor.PowerStateImageLocked,
		"IMAGE-LOCKED": hypervisor.PowerStateImageLocked,
		"suspended":    hypervisor.PowerStateOther,
		"":             hypervisor.PowerStateOther,
	} {
		t.Run(raw, func(t *testing.T) {
			assert.Equal(t, expected, hypervisor.ParsePowerState(raw))
		})
	}
}

func TestEndpoint_Identity(t *testing.T) {
	ep := newEndpoint(hypervisorfake.New(), "")
	assert.Equal(t, "engine https://engine.example.com/ovirt-engine/api", ep.ID())
	assert.Equal(t, "engine", ep.Name())
}

func TestEndpoint_GetVM(t *testing.T) {
	ctx := context.Background()
	fake := hypervisorfake.New().
		WithVM(hypervisorfake.VM{Name: "agent-1", States: []hypervisor.PowerState{hypervisor.PowerStateUp}}).
		WithVM(hypervisorfake.VM{Name: "agent-2", States: []hypervisor.PowerState{hypervisor.PowerStateDown}})
	ep := newEndpoint(fake, "")

	t.Run("found", func(t *testing.T) {
		vm, err := ep.GetVM(ctx, "agent-2")
		require.NoError(t, err)
		assert.Equal(t, "id-agent-2", vm.ID)
		assert.Equal(t, hypervisor.PowerStateDown, vm.State)
	})

	t.Run("not found", func(t *testing.T) {
		for _, name := range []string{"agent-3", "", "AGENT-1"} {
			_, err := ep.GetVM(ctx, name)
			assert.ErrorIs(t, err, hypervisor.ErrVMNotFound, name)
		}
	})

	t.Run("connection is memoized", func(t *testing.T) {
		assert.Equal(t, 1, fake.Calls().Connect)
	})
}

func TestEndpoint_ListVMsFailureIsNotEmpty(t *testing.T) {
	fake := hypervisorfake.New().
		WithVM(hypervisorfake.VM{Name: "agent-1", States: []hypervisor.PowerState{hypervisor.PowerStateUp}})
	fake.ListErr = errors.New("connection reset by peer")
	ep := newEndpoint(fake, "")

	vms, err := ep.ListVMs(context.Background())
	assert.Error(t, err)
	assert.Nil(t, vms)

	_, err = ep.GetVM(context.Background(), "agent-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, hypervisor.ErrVMNotFound)
}

func TestEndpoint_ConnectFailureIsRetriedOnNextCall(t *testing.T) {
	fake := hypervisorfake.New().
		WithVM(hypervisorfake.VM{Name: "agent-1", States: []hypervisor.PowerState{hypervisor.PowerStateUp}})
	fake.ConnectErr = errors.New("401 unauthorized")
	ep := newEndpoint(fake, "")

	_, err := ep.ListVMs(context.Background())
	require.Error(t, err)

	fake.ConnectErr = nil
	vms, err := ep.ListVMs(context.Background())
	require.NoError(t, err)
	assert.Len(t, vms, 1)
	assert.Equal(t, 2, fake.Calls().Connect)
}

func TestEndpoint_ClusterFilter(t *testing.T) {
	ctx := context.Background()
	fake := hypervisorfake.New().
		WithCluster(hypervisor.Cluster{ID: "c1", Name: "ci"}).
		WithCluster(hypervisor.Cluster{ID: "c2", Name: "prod"}).
		WithVM(hypervisorfake.VM{Name: "a", ClusterID: "c1", States: []hypervisor.PowerState{hypervisor.PowerStateUp}}).
		WithVM(hypervisorfake.VM{Name: "b", ClusterID: "c2", States: []hypervisor.PowerState{hypervisor.PowerStateUp}}).
		WithVM(hypervisorfake.VM{Name: "c", ClusterID: "c1", States: []hypervisor.PowerState{hypervisor.PowerStateUp}})
	ep := newEndpoint(fake, "ci")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			names, err := ep.VMNames(ctx)
			assert.NoError(t, err)
			assert.Equal(t, []string{"a", "c"}, names)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fake.Calls().Connect)
	assert.Equal(t, 1, fake.Calls().GetCluster)

	_, err := ep.GetVM(ctx, "b")
	assert.ErrorIs(t, err, hypervisor.ErrVMNotFound)

	t.Run("no cluster configured", func(t *testing.T) {
		cluster, err := newEndpoint(fake, "").ResolveCluster(ctx)
		require.NoError(t, err)
		assert.Nil(t, cluster)
	})

	t.Run("unknown cluster", func(t *testing.T) {
		_, err := newEndpoint(fake, "staging").ListVMs(ctx)
		assert.ErrorIs(t, err, hypervisor.ErrClusterNotFound)
	})
}

func TestEndpoint_FindSnapshotRequeries(t *testing.T) {
	ctx := context.Background()
	fake := hypervisorfake.New().
		WithVM(hypervisorfake.VM{
			Name:      "agent-1",
			States:    []hypervisor.PowerState{hypervisor.PowerStateDown},
			Snapshots: []hypervisor.Snapshot{{ID: "s1", Description: "clean"}},
		})
	ep := newEndpoint(fake, "")

	vm, err := ep.GetVM(ctx, "agent-1")
	require.NoError(t, err)

	first, err := ep.FindSnapshot(ctx, vm, "clean")
	require.NoError(t, err)
	assert.Equal(t, "s1", first.ID)

	fake.SetSnapshots("agent-1", hypervisor.Snapshot{ID: "s2", Description: "clean"})

	second, err := ep.FindSnapshot(ctx, vm, "clean")
	require.NoError(t, err)
	assert.Equal(t, "s2", second.ID)
	assert.Equal(t, 2, fake.Calls().ListSnapshots)

	fake.SetSnapshots("agent-1")
	_, err = ep.FindSnapshot(ctx, vm, "clean")
	assert.ErrorIs(t, err, hypervisor.ErrSnapshotNotFound)
}

func TestEndpoint_RevertToSnapshot(t *testing.T) {
	ctx := context.Background()
	fake := hypervisorfake.New().
		WithVM(hypervisorfake.VM{Name: "agent-1", States: []hypervisor.PowerState{hypervisor.PowerStateDown}})
	ep := newEndpoint(fake, "")

	vm, err := ep.GetVM(ctx, "agent-1")
	require.NoError(t, err)

	require.NoError(t, ep.RevertToSnapshot(ctx, vm, hypervisor.Snapshot{ID: "s1", Description: "clean"}))
	assert.Equal(t, []string{"s1"}, fake.Previewed())
	assert.Equal(t, 1, fake.Calls().CommitSnapshot)
}

func TestEndpoint_Close(t *testing.T) {
	fake := hypervisorfake.New()
	ep := newEndpoint(fake, "")

	require.NoError(t, ep.Close())
	assert.Equal(t, 0, fake.Calls().Close)

	_, err := ep.Backend(context.Background())
	require.NoError(t, err)
	require.NoError(t, ep.Close())
	assert.Equal(t, 1, fake.Calls().Close)
}

func TestTestConnection(t *testing.T) {
	fake := hypervisorfake.New()
	cfg := hypervisor.Config{Name: "engine", URL: "https://engine"}

	require.NoError(t, hypervisor.TestConnection(context.Background(), fake.Connector(), cfg))
	assert.Equal(t, 1, fake.Calls().Connect)
	assert.Equal(t, 1, fake.Calls().Close)

	fake.ConnectErr = errors.New("no route to host")
	assert.Error(t, hypervisor.TestConnection(context.Background(), fake.Connector(), cfg))
}
