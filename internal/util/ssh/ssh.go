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

package ssh

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/remotecmd"
)

// ErrAuthentication is returned by Dial when the server rejected every
// offered credential.
var ErrAuthentication = errors.New("ssh authentication failed")

var (
	errDial          = errors.New("failed to dial ssh server")
	errHandshake     = errors.New("failed to establish ssh connection")
	errNewSession    = errors.New("failed to open ssh session")
	errRemoteCommand = errors.New("remote command failed")
	errParseKey      = errors.New("unable to parse private key")
	errStdinPipe     = errors.New("failed to open session stdin")
	errStdoutPipe    = errors.New("failed to open session stdout")
	errStartCommand  = errors.New("failed to start remote command")
	errNewSFTP       = errors.New("failed to start sftp subsystem")
	errSCP           = errors.New("scp transfer failed")
)

// Runner defines the interface for executing commands on a remote host.
type Runner interface {
	Run(ctx context.Context, cmdCtx remotecmd.Context, cmd ...string) (stdout, stderr string, err error)
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
