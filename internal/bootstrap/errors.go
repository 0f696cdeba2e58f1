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

package bootstrap

import "errors"

// Terminal bootstrap errors. None of them is retried within one attempt.
var (
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrUnexpectedSessionOutput = errors.New("unexpected output from remote session")
	ErrLaunchTimeout           = errors.New("agent launch timed out")
	ErrRemoteFSIsFile          = errors.New("remote working directory is a regular file")
	ErrTransferFailed          = errors.New("failed to transfer agent payload")
	ErrAgentStartFailed        = errors.New("failed to start agent process")
)

var (
	errSanityCheck  = errors.New("failed to run session sanity check")
	errEnvReport    = errors.New("failed to report remote environment")
	errReadPayload  = errors.New("failed to read agent payload")
	errStatRemoteFS = errors.New("failed to stat remote working directory")
	errMkdirRemote  = errors.New("failed to create remote working directory")
	errNoPayload    = errors.New("no agent payload configured")
)
