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

import "strings"

// PowerState is the closed set of VM power states the orchestrator reasons
// about. Backends convert their wire vocabulary with ParsePowerState.
type PowerState int

const (
	PowerStateOther PowerState = iota
	PowerStateDown
	PowerStatePoweringUp
	PowerStateUp
	PowerStateImageLocked
)

func (s PowerState) String() string {
	switch s {
	case PowerStateDown:
		return "down"
	case PowerStatePoweringUp:
		return "powering_up"
	case PowerStateUp:
		return "up"
	case PowerStateImageLocked:
		return "image_locked"
	default:
		return "other"
	}
}

// ParsePowerState converts a hypervisor-reported state string.
// The comparison is case-insensitive and treats '-', '_' and ' ' alike.
// Unknown values map to PowerStateOther.
func ParsePowerState(raw string) PowerState {
	normalized := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(raw)))

	switch normalized {
	case "down":
		return PowerStateDown
	case "powering_up":
		return PowerStatePoweringUp
	case "up":
		return PowerStateUp
	case "image_locked":
		return PowerStateImageLocked
	default:
		return PowerStateOther
	}
}

// VM is a point-in-time view of a virtual machine. It is never cached: every
// lookup re-queries the endpoint.
type VM struct {
	// ID is the backend identifier used for actions.
	ID string
	// Name is the user-facing identity of the VM within its endpoint.
	Name string
	// ClusterID is empty when the backend has no cluster concept.
	ClusterID string
	// State is the converted power state.
	State PowerState
	// RawState is the state string as reported by the backend.
	RawState string
}

// Snapshot is identified by its description within one VM.
type Snapshot struct {
	ID          string
	Description string
}

// Cluster scopes the VMs visible through an endpoint.
type Cluster struct {
	ID   string
	Name string
}
