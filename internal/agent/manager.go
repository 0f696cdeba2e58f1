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

// Package agent turns configured agent definitions into launch attempts. Each
// launch runs the VM lifecycle orchestrator on its own worker and keeps a
// record of its log, timeline and outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/connregistry"
	"github.com/alexandremahdhaoui/vmlaunch/internal/orchestrator"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/hypervisor"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrDuplicateAgent   = errors.New("agent already defined")
	ErrLaunchInProgress = errors.New("agent launch already in progress")
	ErrLaunchNotFound   = errors.New("launch not found")

	errClosePrevious = errors.New("failed to close previous agent connection")
)

// Metrics observes launches and their lifecycle phases.
type Metrics interface {
	orchestrator.PhaseObserver
	ObserveLaunch(d time.Duration, err error)
}

type Options struct {
	// Dialer defaults to bootstrap.SSHDialer.
	Dialer bootstrap.Dialer
	// Handler receives the stdio of every launched agent. Defaults to
	// DrainHandler.
	Handler bootstrap.ChannelHandler
	Metrics Metrics
	Clock   clock.Clock
	// Parallelism bounds LaunchAll. Zero means unbounded.
	Parallelism int
}

type Manager struct {
	Log logr.Logger

	endpoints *hypervisor.Endpoints
	registry  *connregistry.Registry
	opts      Options
	wg        sync.WaitGroup

	mu       sync.Mutex
	specs    map[string]Spec
	order    []string
	launches map[uuid.UUID]*Launch
	latest   map[string]*Launch
}

func NewManager(
	log logr.Logger,
	endpoints *hypervisor.Endpoints,
	registry *connregistry.Registry,
	opts Options,
	specs ...Spec,
) (*Manager, error) {
	if opts.Dialer == nil {
		opts.Dialer = bootstrap.SSHDialer{}
	}

	if opts.Handler == nil {
		opts.Handler = DrainHandler{}
	}

	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	m := &Manager{
		Log:       log.WithName("agent-manager"),
		endpoints: endpoints,
		registry:  registry,
		opts:      opts,
		specs:     make(map[string]Spec, len(specs)),
		launches:  make(map[uuid.UUID]*Launch),
		latest:    make(map[string]*Launch),
	}

	for _, s := range specs {
		if _, ok := m.specs[s.Name()]; ok {
			return nil, fmt.Errorf("%w: agent=%q", ErrDuplicateAgent, s.Name())
		}

		m.specs[s.Name()] = s
		m.order = append(m.order, s.Name())
	}

	return m, nil
}

// Agents returns the configured specs in configuration order.
func (m *Manager) Agents() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Spec, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.specs[name])
	}

	return out
}

// Launch runs one attempt for the named agent and waits for it. The launch
// log is copied to tee when it is not nil.
func (m *Manager) Launch(ctx context.Context, name string, tee io.Writer) (*Launch, error) {
	spec, l, err := m.begin(name, tee)
	if err != nil {
		return nil, err
	}

	m.run(ctx, spec, l)

	return l, l.Err()
}

// Start runs one attempt for the named agent on a dedicated worker and
// returns immediately.
func (m *Manager) Start(ctx context.Context, name string, tee io.Writer) (*Launch, error) {
	spec, l, err := m.begin(name, tee)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		m.run(ctx, spec, l)
	}()

	return l, nil
}

// LaunchAll launches the named agents concurrently, every agent when names
// is empty. Attempts are independent: a failure does not cancel the others.
// The entry of an agent that could not be started is nil.
func (m *Manager) LaunchAll(ctx context.Context, tee io.Writer, names ...string) ([]*Launch, error) {
	if len(names) == 0 {
		for _, s := range m.Agents() {
			names = append(names, s.Name())
		}
	}

	launches := make([]*Launch, len(names))
	errs := make([]error, len(names))

	g := new(errgroup.Group)
	if m.opts.Parallelism > 0 {
		g.SetLimit(m.opts.Parallelism)
	}

	for i, name := range names {
		g.Go(func() error {
			l, err := m.Launch(ctx, name, tee)
			launches[i] = l
			if err != nil {
				errs[i] = fmt.Errorf("agent %q: %w", name, err)
			}
			return nil
		})
	}

	_ = g.Wait()

	return launches, errors.Join(errs...)
}

// Get returns a launch by its ID.
func (m *Manager) Get(id string) (*Launch, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%q: %w", ErrLaunchNotFound, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.launches[uid]
	if !ok {
		return nil, fmt.Errorf("%w: id=%q", ErrLaunchNotFound, id)
	}

	return l, nil
}

// Records returns a copy of every launch, oldest first.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	launches := make([]*Launch, 0, len(m.launches))
	for _, l := range m.launches {
		launches = append(launches, l)
	}
	m.mu.Unlock()

	records := make([]Record, 0, len(launches))
	for _, l := range launches {
		records = append(records, l.Record())
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})

	return records
}

// Endpoint resolves an endpoint by identity, then by name.
func (m *Manager) Endpoint(ref string) (*hypervisor.Endpoint, error) {
	ep, err := m.endpoints.Resolve(ref)
	if err == nil {
		return ep, nil
	}

	if ep, nameErr := m.endpoints.ResolveName(ref); nameErr == nil {
		return ep, nil
	}

	return nil, err
}

// ListVMNames lists the VMs visible through an endpoint.
func (m *Manager) ListVMNames(ctx context.Context, endpointRef string) ([]string, error) {
	ep, err := m.Endpoint(endpointRef)
	if err != nil {
		return nil, err
	}

	return ep.VMNames(ctx)
}

// ListSnapshotNames lists the snapshot descriptions of a VM.
func (m *Manager) ListSnapshotNames(ctx context.Context, endpointRef, vmName string) ([]string, error) {
	ep, err := m.Endpoint(endpointRef)
	if err != nil {
		return nil, err
	}

	return ep.SnapshotNames(ctx, vmName)
}

// Shutdown waits for the running workers until ctx is done, closes the live
// agent connections and force-closes whatever the registry still tracks.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var errs []error

	select {
	case <-done:
	case <-ctx.Done():
		m.Log.Info("shutting down with launches still running")
		errs = append(errs, ctx.Err())
	}

	m.mu.Lock()
	latest := make([]*Launch, 0, len(m.latest))
	for _, l := range m.latest {
		latest = append(latest, l)
	}
	m.mu.Unlock()

	for _, l := range latest {
		if h := l.Handle(); h != nil {
			errs = append(errs, h.Close())
		}
	}

	if m.registry != nil {
		errs = append(errs, m.registry.CloseAll())
	}

	return errors.Join(errs...)
}

func (m *Manager) begin(name string, tee io.Writer) (Spec, *Launch, error) {
	m.mu.Lock()

	spec, ok := m.specs[name]
	if !ok {
		m.mu.Unlock()
		return Spec{}, nil, fmt.Errorf("%w: agent=%q", ErrAgentNotFound, name)
	}

	previous := m.latest[name]
	if previous != nil && previous.Status() == StatusRunning {
		m.mu.Unlock()
		return Spec{}, nil, fmt.Errorf("%w: agent=%q launchID=%s", ErrLaunchInProgress, name, previous.ID())
	}

	l := newLaunch(name, m.opts.Clock.Now(), tee)
	m.launches[l.ID()] = l
	m.latest[name] = l
	m.mu.Unlock()

	if previous != nil {
		if h := previous.Handle(); h != nil {
			logf(l, "Closing the connection of the previous launch %s.", previous.ID())
			if err := h.Close(); err != nil {
				m.Log.Error(errors.Join(err, errClosePrevious), "agent", name, "launchID", previous.ID().String())
			}
		}
	}

	return spec, l, nil
}

func (m *Manager) run(ctx context.Context, spec Spec, l *Launch) {
	log := m.Log.WithValues("agent", spec.Name(), "launchID", l.ID().String())
	log.Info("launch started", "vm", spec.Request().VMName, "endpoint", spec.EndpointID())

	start := m.opts.Clock.Now()

	var (
		handle *bootstrap.Handle
		events []orchestrator.Event
	)

	ep, err := m.Endpoint(spec.EndpointID())
	if err == nil {
		bs := &bootstrap.Bootstrapper{
			Config:   spec.BootstrapConfig(),
			Dialer:   m.opts.Dialer,
			Registry: m.registry,
			Handler:  m.opts.Handler,
			Clock:    m.opts.Clock,
		}

		oc := spec.OrchestratorConfig()
		oc.Clock = m.opts.Clock
		if m.opts.Metrics != nil {
			oc.Observer = m.opts.Metrics
		}

		o := orchestrator.New(ep, bs, oc)
		handle, err = o.Launch(ctx, spec.Request(), l)
		events = o.Events()
	} else {
		logf(l, "%v", err)
	}

	elapsed := m.opts.Clock.Now().Sub(start)
	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveLaunch(elapsed, err)
	}

	l.finish(handle, events, err, m.opts.Clock.Now())

	if err != nil {
		log.Error(err, "launch failed", "duration", elapsed.String())
		return
	}

	log.Info("launch succeeded", "remoteAddr", handle.RemoteAddr(), "duration", elapsed.String())
}

func logf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
