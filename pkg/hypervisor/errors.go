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

import "errors"

// Lookup errors. Callers treat ErrEndpointNotFound as a configuration error.
var (
	ErrEndpointNotFound  = errors.New("hypervisor endpoint not found")
	ErrDuplicateEndpoint = errors.New("hypervisor endpoint already registered")
	ErrVMNotFound        = errors.New("VM not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrClusterNotFound   = errors.New("cluster not found")
)

var (
	errConnect       = errors.New("failed to connect to hypervisor endpoint")
	errListVMs       = errors.New("failed to list VMs")
	errGetCluster    = errors.New("failed to resolve cluster")
	errListSnapshots = errors.New("failed to list snapshots")
	errGetAddresses  = errors.New("failed to get VM addresses")
	errStartVM       = errors.New("failed to start VM")
	errShutdownVM    = errors.New("failed to shut down VM")
	errPreview       = errors.New("failed to preview snapshot")
	errCommit        = errors.New("failed to commit snapshot")
	errNoConnector   = errors.New("no connector configured for endpoint")
)
