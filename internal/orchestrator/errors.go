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

package orchestrator

import "errors"

// Terminal lifecycle errors. The orchestrator never retries a launch; the
// caller decides whether to try again later.
var (
	ErrShutdownTimeout       = errors.New("VM did not reach DOWN state")
	ErrSnapshotNotFound      = errors.New("snapshot not found")
	ErrSnapshotCommitTimeout = errors.New("VM image is still locked")
	ErrStartupTimeout        = errors.New("VM did not reach UP state")
	ErrAddressTimeout        = errors.New("VM did not report a network address")
	ErrBootstrapFailed       = errors.New("failed to bootstrap agent")
)

var (
	errGetVM       = errors.New("failed to get VM")
	errShutdown    = errors.New("failed to shut down VM")
	errStart       = errors.New("failed to start VM")
	errRevert      = errors.New("failed to revert VM to snapshot")
	errNoProvider  = errors.New("no VM provider configured")
	errNoBootstrap = errors.New("no bootstrapper configured")

	// errNotYet marks a poll whose condition does not hold yet.
	errNotYet = errors.New("condition not met yet")
)
