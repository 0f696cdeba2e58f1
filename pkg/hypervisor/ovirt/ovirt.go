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

// Package ovirt is a hypervisor backend for oVirt/RHEV engines.
package ovirt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/util/tlsutil"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	ovirtsdk4 "github.com/ovirt/go-ovirt"
)

// Kind is the backend name used in endpoint configuration.
const Kind = "ovirt"

const requestTimeout = 2 * time.Minute

var (
	errBuildConnection = errors.New("failed to build oVirt connection")
	errTestConnection  = errors.New("failed to authenticate against oVirt engine")
	errListVMs         = errors.New("failed to list oVirt VMs")
	errListClusters    = errors.New("failed to list oVirt clusters")
	errListSnapshots   = errors.New("failed to list oVirt snapshots")
	errListDevices     = errors.New("failed to list oVirt reported devices")
	errStart           = errors.New("failed to send start action")
	errShutdown        = errors.New("failed to send shutdown action")
	errPreview         = errors.New("failed to send preview_snapshot action")
	errCommit          = errors.New("failed to send commit_snapshot action")
	errBuildSnapshot   = errors.New("failed to build snapshot reference")
)

var _ hypervisor.Backend = &Backend{}

// Backend wraps one authenticated engine connection.
type Backend struct {
	conn *ovirtsdk4.Connection
	url  string
}

// Connect is a hypervisor.Connector. It authenticates right away so that
// bad credentials surface at connection time rather than on the first query.
func Connect(ctx context.Context, cfg hypervisor.Config) (hypervisor.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	builder := ovirtsdk4.NewConnectionBuilder().
		URL(cfg.URL).
		Username(cfg.Username).
		Password(cfg.Password).
		Insecure(cfg.Insecure).
		Compress(true).
		Timeout(requestTimeout)

	if cfg.CAFile != "" {
		// Reject an unusable trust bundle before dialing the engine.
		if _, err := tlsutil.LoadCAPool(cfg.CAFile); err != nil {
			return nil, err
		}

		builder = builder.CAFile(cfg.CAFile)
	}

	conn, err := builder.Build()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("url=%s", cfg.URL), errBuildConnection)
	}

	if err := conn.Test(); err != nil {
		_ = conn.Close()
		return nil, errors.Join(err, fmt.Errorf("url=%s username=%s", cfg.URL, cfg.Username), errTestConnection)
	}

	return &Backend{conn: conn, url: cfg.URL}, nil
}

func (b *Backend) ListVMs(ctx context.Context) ([]hypervisor.VM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := b.conn.SystemService().VmsService().List().Send()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("url=%s", b.url), errListVMs)
	}

	vms, ok := resp.Vms()
	if !ok {
		return []hypervisor.VM{}, nil
	}

	out := make([]hypervisor.VM, 0, len(vms.Slice()))
	for _, vm := range vms.Slice() {
		out = append(out, ConvertVM(vm))
	}

	return out, nil
}

// ConvertVM maps an engine VM to a hypervisor.VM.
func ConvertVM(vm *ovirtsdk4.Vm) hypervisor.VM {
	out := hypervisor.VM{}

	if id, ok := vm.Id(); ok {
		out.ID = id
	}

	if name, ok := vm.Name(); ok {
		out.Name = name
	}

	if status, ok := vm.Status(); ok {
		out.RawState = string(status)
		out.State = hypervisor.ParsePowerState(string(status))
	}

	if cluster, ok := vm.Cluster(); ok {
		if id, ok := cluster.Id(); ok {
			out.ClusterID = id
		}
	}

	return out
}

func (b *Backend) GetCluster(ctx context.Context, name string) (hypervisor.Cluster, error) {
	if err := ctx.Err(); err != nil {
		return hypervisor.Cluster{}, err
	}

	resp, err := b.conn.SystemService().ClustersService().List().Search("name=" + name).Send()
	if err != nil {
		return hypervisor.Cluster{}, errors.Join(err, fmt.Errorf("cluster=%s", name), errListClusters)
	}

	if clusters, ok := resp.Clusters(); ok {
		for _, c := range clusters.Slice() {
			if n, _ := c.Name(); n != name {
				continue
			}

			id, _ := c.Id()
			return hypervisor.Cluster{ID: id, Name: name}, nil
		}
	}

	return hypervisor.Cluster{}, fmt.Errorf("%w: cluster=%q url=%s", hypervisor.ErrClusterNotFound, name, b.url)
}

func (b *Backend) ListSnapshots(ctx context.Context, vmID string) ([]hypervisor.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := b.vm(vmID).SnapshotsService().List().Send()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmID=%s", vmID), errListSnapshots)
	}

	snapshots, ok := resp.Snapshots()
	if !ok {
		return []hypervisor.Snapshot{}, nil
	}

	out := make([]hypervisor.Snapshot, 0, len(snapshots.Slice()))
	for _, s := range snapshots.Slice() {
		out = append(out, ConvertSnapshot(s))
	}

	return out, nil
}

func ConvertSnapshot(s *ovirtsdk4.Snapshot) hypervisor.Snapshot {
	id, _ := s.Id()
	description, _ := s.Description()

	return hypervisor.Snapshot{ID: id, Description: description}
}

// Addresses returns the IPv4 addresses reported by the guest agent, in the
// order the engine lists them.
func (b *Backend) Addresses(ctx context.Context, vmID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := b.vm(vmID).ReportedDevicesService().List().Send()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmID=%s", vmID), errListDevices)
	}

	devices, ok := resp.ReportedDevice()
	if !ok {
		return []string{}, nil
	}

	return ConvertAddresses(devices.Slice()), nil
}

func ConvertAddresses(devices []*ovirtsdk4.ReportedDevice) []string {
	out := make([]string, 0)
	for _, device := range devices {
		ips, ok := device.Ips()
		if !ok {
			continue
		}

		for _, ip := range ips.Slice() {
			addr, ok := ip.Address()
			if !ok {
				continue
			}

			if parsed := net.ParseIP(addr); parsed != nil && parsed.To4() != nil {
				out = append(out, addr)
			}
		}
	}

	return out
}

func (b *Backend) StartVM(ctx context.Context, vmID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := b.vm(vmID).Start().Send(); err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s", vmID), errStart)
	}

	return nil
}

func (b *Backend) ShutdownVM(ctx context.Context, vmID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := b.vm(vmID).Shutdown().Send(); err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s", vmID), errShutdown)
	}

	return nil
}

// PreviewSnapshot previews the disks of a snapshot without restoring memory.
func (b *Backend) PreviewSnapshot(ctx context.Context, vmID, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot, err := ovirtsdk4.NewSnapshotBuilder().Id(snapshotID).Build()
	if err != nil {
		return errors.Join(err, fmt.Errorf("snapshotID=%s", snapshotID), errBuildSnapshot)
	}

	if _, err := b.vm(vmID).PreviewSnapshot().Snapshot(snapshot).RestoreMemory(false).Send(); err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s snapshotID=%s", vmID, snapshotID), errPreview)
	}

	return nil
}

func (b *Backend) CommitSnapshot(ctx context.Context, vmID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := b.vm(vmID).CommitSnapshot().Send(); err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s", vmID), errCommit)
	}

	return nil
}

func (b *Backend) Close() error {
	return b.conn.Close()
}

func (b *Backend) vm(id string) *ovirtsdk4.VmService {
	return b.conn.SystemService().VmsService().VmService(id)
}
