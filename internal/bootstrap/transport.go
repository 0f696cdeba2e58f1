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

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/util/ssh"
)

// Dialer opens authenticated remote-shell connections.
type Dialer interface {
	Dial(ctx context.Context, cfg ssh.Config) (Conn, error)
}

// Conn is one authenticated remote-shell connection.
type Conn interface {
	ssh.Runner

	// Exec runs cmd, copies its stdout to stdout and returns its exit code.
	Exec(ctx context.Context, cmd string, stdout io.Writer) (int, error)
	// NewSFTP starts the file-transfer subsystem.
	NewSFTP() (FileTransfer, error)
	// Put copies data to dir/name over the scp protocol.
	Put(ctx context.Context, data []byte, name, dir string, mode os.FileMode) error
	// StartSession starts a long-running command.
	StartSession(cmd string, stderr io.Writer) (Session, error)

	RemoteAddr() net.Addr
	Close() error
}

// FileTransfer is the subset of an sftp client the payload transfer needs.
type FileTransfer interface {
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string, mode os.FileMode) error
	Remove(path string) error
	WriteFile(path string, data []byte, mode os.FileMode) (int64, error)
	Close() error
}

// Session is the running agent process.
type Session interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Done() <-chan struct{}
	WaitOutcome(timeout time.Duration) ssh.Outcome
	Close() error
}

// SSHDialer dials real SSH servers.
type SSHDialer struct{}

var _ Dialer = SSHDialer{}

func (SSHDialer) Dial(ctx context.Context, cfg ssh.Config) (Conn, error) {
	c, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &sshConn{Client: c}, nil
}

type sshConn struct {
	*ssh.Client
}

func (c *sshConn) NewSFTP() (FileTransfer, error) {
	s, err := c.Client.NewSFTP()
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (c *sshConn) StartSession(cmd string, stderr io.Writer) (Session, error) {
	s, err := c.Client.StartSession(cmd, stderr)
	if err != nil {
		return nil, err
	}

	return s, nil
}
