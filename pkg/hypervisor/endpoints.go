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
	"errors"
	"fmt"
	"sync"
)

// Endpoints is the process-wide set of configured endpoints, addressable by
// identity string.
type Endpoints struct {
	mu    sync.RWMutex
	items []*Endpoint
}

// NewEndpoints returns a set holding eps. Duplicated identities are rejected.
func NewEndpoints(eps ...*Endpoint) (*Endpoints, error) {
	r := &Endpoints{}
	for _, ep := range eps {
		if err := r.Add(ep); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Add registers ep.
func (r *Endpoints) Add(ep *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.ID() == ep.ID() {
			return fmt.Errorf("%w: endpoint=%q", ErrDuplicateEndpoint, ep.ID())
		}
	}

	r.items = append(r.items, ep)
	return nil
}

// Resolve scans the set for the endpoint with the given identity.
func (r *Endpoints) Resolve(id string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ep := range r.items {
		if ep.ID() == id {
			return ep, nil
		}
	}

	return nil, fmt.Errorf("%w: endpoint=%q", ErrEndpointNotFound, id)
}

// ResolveName is like Resolve but matches the display name only. It fails
// when the name is absent.
func (r *Endpoints) ResolveName(name string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ep := range r.items {
		if ep.Name() == name {
			return ep, nil
		}
	}

	return nil, fmt.Errorf("%w: name=%q", ErrEndpointNotFound, name)
}

// All returns a copy of the registered endpoints in insertion order.
func (r *Endpoints) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Endpoint, len(r.items))
	copy(out, r.items)
	return out
}

// Replace swaps the whole set on reconfiguration and closes the endpoints
// that were replaced.
func (r *Endpoints) Replace(eps ...*Endpoint) error {
	next, err := NewEndpoints(eps...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.items
	r.items = next.items
	r.mu.Unlock()

	return closeAll(old)
}

// Close closes every memoized connection.
func (r *Endpoints) Close() error {
	return closeAll(r.All())
}

func closeAll(eps []*Endpoint) error {
	errs := make([]error, 0)
	for _, ep := range eps {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("endpoint=%q: %w", ep.ID(), err))
		}
	}

	return errors.Join(errs...)
}
