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

package agent

import (
	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/config"
	"github.com/alexandremahdhaoui/vmlaunch/internal/orchestrator"
)

// Spec is the launch configuration of one agent. It is immutable once
// constructed.
type Spec struct {
	name         string
	endpointID   string
	request      orchestrator.Request
	orchestrator orchestrator.Config
	bootstrap    bootstrap.Config
}

func NewSpec(
	name, endpointID string,
	request orchestrator.Request,
	orchestratorCfg orchestrator.Config,
	bootstrapCfg bootstrap.Config,
) Spec {
	return Spec{
		name:         name,
		endpointID:   endpointID,
		request:      request,
		orchestrator: orchestratorCfg,
		bootstrap:    bootstrapCfg,
	}
}

// SpecFromConfig builds the spec of a configured agent.
func SpecFromConfig(a config.Agent) Spec {
	return NewSpec(
		a.Name,
		a.Endpoint,
		orchestrator.Request{VMName: a.VM, Snapshot: a.Snapshot},
		a.OrchestratorConfig(),
		a.BootstrapConfig(),
	)
}

func (s Spec) Name() string { return s.name }

// EndpointID is an endpoint identity or an endpoint name.
func (s Spec) EndpointID() string { return s.endpointID }

func (s Spec) Request() orchestrator.Request { return s.request }

func (s Spec) OrchestratorConfig() orchestrator.Config { return s.orchestrator }

func (s Spec) BootstrapConfig() bootstrap.Config { return s.bootstrap }
