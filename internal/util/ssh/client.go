// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/remotecmd"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 30 * time.Second

var _ Runner = &Client{}

// Config holds what Dial needs to open an authenticated connection.
type Config struct {
	Host string
	Port int
	User string

	// Password enables keyboard-less password authentication.
	Password string
	// PrivateKey optionally adds public key authentication.
	PrivateKey []byte

	// DialTimeout bounds the TCP connect and the SSH handshake.
	DialTimeout time.Duration
	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback
}

// Addr returns "host:port".
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is an authenticated SSH connection.
type Client struct {
	conn *ssh.Client
	addr net.Addr
}

// Dial opens a TCP connection with Nagle's algorithm disabled and performs
// the SSH handshake over it. Rejected credentials yield ErrAuthentication.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := cfg.Addr()
	dialer := net.Dialer{Timeout: clientConfig.Timeout}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("addr=%s", addr), errDial)
	}

	if tcp, ok := netConn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(clientConfig.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		runFuncAndLogErr(netConn.Close)

		if isAuthError(err) {
			return nil, fmt.Errorf("%w: addr=%s user=%s: %w", ErrAuthentication, addr, cfg.User, err)
		}

		return nil, errors.Join(err, fmt.Errorf("addr=%s", addr), errHandshake)
	}

	// The deadline only guards the handshake.
	_ = netConn.SetDeadline(time.Time{})

	return &Client{
		conn: ssh.NewClient(c, chans, reqs),
		addr: netConn.RemoteAddr(),
	}, nil
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	auth := make([]ssh.AuthMethod, 0, 2)

	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, errors.Join(err, errParseKey)
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKeyCallback := c.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Exec runs cmd in a fresh session, copying its stdout to stdout. A non-zero
// exit status is reported through the returned code, not as an error.
// Cancelling ctx closes the session.
func (c *Client) Exec(ctx context.Context, cmd string, stdout io.Writer) (int, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return -1, errors.Join(err, errNewSession)
	}
	defer runFuncAndLogErr(session.Close)

	session.Stdout = stdout
	session.Stderr = io.Discard

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		runFuncAndLogErr(session.Close)
		return -1, ctx.Err()
	case err := <-done:
		return exitCode(err)
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}

	return -1, errors.Join(err, errRemoteCommand)
}

// Run implements Runner.
func (c *Client) Run(
	ctx context.Context,
	cmdCtx remotecmd.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", "", errors.Join(err, errNewSession)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	line := remotecmd.Format(cmdCtx, cmd...)

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		runFuncAndLogErr(session.Close)
		return "", "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdoutBuf.String(), stderrBuf.String(), errors.Join(err, fmt.Errorf("cmd=%s", line), errRemoteCommand)
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

// RemoteAddr returns the address of the server.
func (c *Client) RemoteAddr() net.Addr {
	return c.addr
}

func (c *Client) Close() error {
	return c.conn.Close()
}
