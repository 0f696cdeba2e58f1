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

// Package libvirt is a hypervisor backend for libvirt daemons.
//
// VMs are libvirt domains identified by UUID. Snapshots are domain snapshots
// matched by the description found in their XML. libvirt reverts a snapshot
// in a single synchronous call, so PreviewSnapshot performs the revert and
// CommitSnapshot is a no-op.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	lv "libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// Kind is the backend name used in endpoint configuration.
const Kind = "libvirt"

const defaultURI = "qemu:///system"

var (
	errConnectLibvirt    = errors.New("failed to connect to libvirt")
	errListDomains       = errors.New("failed to list domains")
	errLookupDomain      = errors.New("failed to look up domain")
	errGetDomainState    = errors.New("failed to get domain state")
	errListSnapshots     = errors.New("failed to list domain snapshots")
	errGetSnapshotXML    = errors.New("failed to get snapshot XML")
	errParseSnapshotXML  = errors.New("failed to parse snapshot XML")
	errLookupSnapshot    = errors.New("failed to look up snapshot")
	errRevertSnapshot    = errors.New("failed to revert to snapshot")
	errCreateDomain      = errors.New("failed to create domain")
	errShutdownDomain    = errors.New("failed to shut down domain")
	errListInterfaceAddr = errors.New("failed to list interface addresses")
	errNoClusters        = errors.New("libvirt has no cluster concept")
)

var _ hypervisor.Backend = &Backend{}

// Backend wraps one libvirt connection.
type Backend struct {
	conn *lv.Connect
	uri  string
}

// Connect is a hypervisor.Connector. cfg.URL is the libvirt URI; it defaults
// to qemu:///system. Username and password are answered to the auth callback
// when set.
func Connect(ctx context.Context, cfg hypervisor.Config) (hypervisor.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uri := cfg.URL
	if uri == "" {
		uri = defaultURI
	}

	var (
		conn *lv.Connect
		err  error
	)

	if cfg.Username == "" {
		conn, err = lv.NewConnect(uri)
	} else {
		conn, err = lv.NewConnectWithAuth(uri, passwordAuth(cfg.Username, cfg.Password), 0)
	}

	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", uri), errConnectLibvirt)
	}

	return &Backend{conn: conn, uri: uri}, nil
}

func passwordAuth(username, password string) *lv.ConnectAuth {
	return &lv.ConnectAuth{
		CredType: []lv.ConnectCredentialType{lv.CRED_AUTHNAME, lv.CRED_PASSPHRASE},
		Callback: func(creds []*lv.ConnectCredential) {
			for _, cred := range creds {
				switch cred.Type {
				case lv.CRED_AUTHNAME:
					cred.Result = username
					cred.ResultLen = len(username)
				case lv.CRED_PASSPHRASE:
					cred.Result = password
					cred.ResultLen = len(password)
				}
			}
		},
	}
}

func (b *Backend) ListVMs(ctx context.Context) ([]hypervisor.VM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doms, err := b.conn.ListAllDomains(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", b.uri), errListDomains)
	}

	out := make([]hypervisor.VM, 0, len(doms))
	for i := range doms {
		vm, err := describeDomain(&doms[i])
		freeDomain(&doms[i])
		if err != nil {
			return nil, err
		}

		out = append(out, vm)
	}

	return out, nil
}

func (b *Backend) GetCluster(_ context.Context, name string) (hypervisor.Cluster, error) {
	return hypervisor.Cluster{}, fmt.Errorf("%w: cluster=%q: %w", hypervisor.ErrClusterNotFound, name, errNoClusters)
}

func (b *Backend) ListSnapshots(ctx context.Context, vmID string) ([]hypervisor.Snapshot, error) {
	dom, err := b.lookup(ctx, vmID)
	if err != nil {
		return nil, err
	}
	defer freeDomain(dom)

	snaps, err := dom.ListAllSnapshots(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmID=%s", vmID), errListSnapshots)
	}

	out := make([]hypervisor.Snapshot, 0, len(snaps))
	for i := range snaps {
		xml, err := snaps[i].GetXMLDesc(0)
		freeSnapshot(&snaps[i])
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("vmID=%s", vmID), errGetSnapshotXML)
		}

		s, err := ParseSnapshotXML(xml)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("vmID=%s", vmID), errParseSnapshotXML)
		}

		out = append(out, s)
	}

	return out, nil
}

// ParseSnapshotXML extracts the snapshot name and description. The
// description falls back to the name when the XML carries none.
func ParseSnapshotXML(xml string) (hypervisor.Snapshot, error) {
	var snap libvirtxml.DomainSnapshot
	if err := snap.Unmarshal(xml); err != nil {
		return hypervisor.Snapshot{}, err
	}

	description := strings.TrimSpace(snap.Description)
	if description == "" {
		description = snap.Name
	}

	return hypervisor.Snapshot{ID: snap.Name, Description: description}, nil
}

func (b *Backend) Addresses(ctx context.Context, vmID string) ([]string, error) {
	dom, err := b.lookup(ctx, vmID)
	if err != nil {
		return nil, err
	}
	defer freeDomain(dom)

	ifaces, err := dom.ListAllInterfaceAddresses(lv.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmID=%s", vmID), errListInterfaceAddr)
	}

	out := make([]string, 0)
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == lv.IP_ADDR_TYPE_IPV4 {
				out = append(out, strings.Split(addr.Addr, "/")[0])
			}
		}
	}

	return out, nil
}

func (b *Backend) StartVM(ctx context.Context, vmID string) error {
	dom, err := b.lookup(ctx, vmID)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	if err := dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s", vmID), errCreateDomain)
	}

	return nil
}

func (b *Backend) ShutdownVM(ctx context.Context, vmID string) error {
	dom, err := b.lookup(ctx, vmID)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	if err := dom.Shutdown(); err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s", vmID), errShutdownDomain)
	}

	return nil
}

// PreviewSnapshot reverts the domain to the named snapshot.
func (b *Backend) PreviewSnapshot(ctx context.Context, vmID, snapshotID string) error {
	dom, err := b.lookup(ctx, vmID)
	if err != nil {
		return err
	}
	defer freeDomain(dom)

	snap, err := dom.SnapshotLookupByName(snapshotID, 0)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s snapshot=%s", vmID, snapshotID), errLookupSnapshot)
	}
	defer freeSnapshot(snap)

	if err := snap.RevertToSnapshot(0); err != nil {
		return errors.Join(err, fmt.Errorf("vmID=%s snapshot=%s", vmID, snapshotID), errRevertSnapshot)
	}

	return nil
}

// CommitSnapshot is a no-op: the revert already happened in PreviewSnapshot.
func (b *Backend) CommitSnapshot(ctx context.Context, _ string) error {
	return ctx.Err()
}

func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}

	_, err := b.conn.Close()
	return err
}

func (b *Backend) lookup(ctx context.Context, vmID string) (*lv.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dom, err := b.conn.LookupDomainByUUIDString(vmID)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("%w: vmID=%s", hypervisor.ErrVMNotFound, vmID), errLookupDomain)
	}

	return dom, nil
}

func describeDomain(dom *lv.Domain) (hypervisor.VM, error) {
	name, err := dom.GetName()
	if err != nil {
		return hypervisor.VM{}, errors.Join(err, errLookupDomain)
	}

	id, err := dom.GetUUIDString()
	if err != nil {
		return hypervisor.VM{}, errors.Join(err, fmt.Errorf("vmName=%s", name), errLookupDomain)
	}

	state, _, err := dom.GetState()
	if err != nil {
		return hypervisor.VM{}, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}

	power, raw := ConvertState(state)

	return hypervisor.VM{
		ID:       id,
		Name:     name,
		State:    power,
		RawState: raw,
	}, nil
}

// ConvertState maps a libvirt domain state to a PowerState and its raw name.
func ConvertState(state lv.DomainState) (hypervisor.PowerState, string) {
	switch state {
	case lv.DOMAIN_RUNNING:
		return hypervisor.PowerStateUp, "running"
	case lv.DOMAIN_BLOCKED:
		return hypervisor.PowerStateUp, "blocked"
	case lv.DOMAIN_SHUTOFF:
		return hypervisor.PowerStateDown, "shutoff"
	case lv.DOMAIN_CRASHED:
		return hypervisor.PowerStateDown, "crashed"
	case lv.DOMAIN_SHUTDOWN:
		return hypervisor.PowerStateOther, "shutdown"
	case lv.DOMAIN_PAUSED:
		return hypervisor.PowerStateOther, "paused"
	case lv.DOMAIN_PMSUSPENDED:
		return hypervisor.PowerStateOther, "pmsuspended"
	default:
		return hypervisor.PowerStateOther, "nostate"
	}
}

func freeDomain(dom *lv.Domain) {
	if err := dom.Free(); err != nil {
		slog.Debug("failed to free domain", "error", err.Error())
	}
}

func freeSnapshot(snap *lv.DomainSnapshot) {
	if err := snap.Free(); err != nil {
		slog.Debug("failed to free domain snapshot", "error", err.Error())
	}
}
