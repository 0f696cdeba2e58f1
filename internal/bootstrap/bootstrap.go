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

// Package bootstrap transfers the agent payload to a reachable VM over SSH
// and starts it, handing its stdio to a ChannelHandler.
//
// One call to Bootstrap is exactly one attempt. Only the initial TCP/SSH
// connect is retried; everything after it fails the attempt and closes the
// connection.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/connregistry"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/remotecmd"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	DefaultPort          = 22
	DefaultMaxRetries    = 5
	DefaultRetryWait     = 30 * time.Second
	DefaultLaunchTimeout = 300 * time.Second
	DefaultOutcomeWait   = 3 * time.Second
	DefaultJavaPath      = "java"
	DefaultPayloadName   = "agent.jar"
)

// Config is the delegated bootstrap configuration of one agent.
type Config struct {
	Port     int
	Username string
	Password string

	// MaxRetries bounds the connect retries after the first attempt.
	MaxRetries int
	RetryWait  time.Duration
	// LaunchTimeout bounds the whole session-establishment phase.
	LaunchTimeout time.Duration
	// OutcomeWait bounds the wait for an exit status after a failure.
	OutcomeWait time.Duration

	// RemoteFS is the remote working directory.
	RemoteFS   string
	JavaPath   string
	JVMOptions string
	Payload    Payload
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}

	if c.RetryWait <= 0 {
		c.RetryWait = time.Millisecond
	}

	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = DefaultLaunchTimeout
	}

	if c.OutcomeWait <= 0 {
		c.OutcomeWait = DefaultOutcomeWait
	}

	if c.JavaPath == "" {
		c.JavaPath = DefaultJavaPath
	}

	c.RemoteFS = strings.TrimRight(c.RemoteFS, "/")
	if c.RemoteFS == "" {
		c.RemoteFS = "."
	}

	return c
}

// StartCommand returns the shell line that starts the agent.
func (c Config) StartCommand() string {
	c = c.withDefaults()

	name := DefaultPayloadName
	if c.Payload != nil {
		name = c.Payload.Name()
	}

	cmd := append([]string{c.JavaPath}, strings.Fields(c.JVMOptions)...)
	cmd = append(cmd, "-jar", name)

	return remotecmd.InDir(remotecmd.Empty, c.RemoteFS, cmd...)
}

// Channel is the stdio of the running agent process.
type Channel struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
}

// ChannelHandler takes over the agent stdio. SetChannel must not block for
// the lifetime of the channel.
type ChannelHandler interface {
	SetChannel(ctx context.Context, ch Channel, log io.Writer) error
}

// ChannelHandlerFunc adapts a function to ChannelHandler.
type ChannelHandlerFunc func(ctx context.Context, ch Channel, log io.Writer) error

func (f ChannelHandlerFunc) SetChannel(ctx context.Context, ch Channel, log io.Writer) error {
	return f(ctx, ch, log)
}

// Bootstrapper runs the remote bootstrap sequence.
type Bootstrapper struct {
	Config   Config
	Dialer   Dialer
	Registry *connregistry.Registry
	Handler  ChannelHandler
	Clock    clock.Clock
}

// Bootstrap connects to address, transfers the payload, starts the agent and
// hands its stdio to the handler. On success the connection is tracked by
// the registry until the returned Handle is closed.
func (b *Bootstrapper) Bootstrap(ctx context.Context, address string, log io.Writer) (*Handle, error) {
	cfg := b.Config.withDefaults()
	if cfg.Payload == nil {
		return nil, errNoPayload
	}

	launchCtx, cancel := context.WithTimeout(ctx, cfg.LaunchTimeout)
	defer cancel()

	log = &lockedWriter{w: log}
	a := &attempt{}
	results := make(chan attemptResult, 1)

	go func() {
		h, err := b.launch(launchCtx, cfg, address, a, log)
		results <- attemptResult{handle: h, err: err}
	}()

	timedOut := func() error {
		logf(log, "Launch timed out after %s.", cfg.LaunchTimeout)
		return fmt.Errorf("%w: address=%s timeout=%s", ErrLaunchTimeout, address, cfg.LaunchTimeout)
	}

	select {
	case r := <-results:
		if r.err != nil && ctx.Err() == nil && errors.Is(launchCtx.Err(), context.DeadlineExceeded) {
			return nil, timedOut()
		}

		return r.handle, r.err
	case <-launchCtx.Done():
		a.abandon()

		// A launch finishing concurrently with the deadline must not leak.
		go func() {
			if r := <-results; r.handle != nil {
				_ = r.handle.Close()
			}
		}()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, timedOut()
	}
}

func (b *Bootstrapper) launch(ctx context.Context, cfg Config, address string, a *attempt, log io.Writer) (_ *Handle, err error) {
	conn, err := b.connect(ctx, cfg, address, log)
	if err != nil {
		return nil, err
	}

	if !a.track(conn) {
		_ = conn.Close()
		return nil, ctx.Err()
	}

	defer func() {
		if err != nil {
			logf(log, "Closing connection to %s.", address)
			_ = conn.Close()
		}
	}()

	if err := sanityCheck(ctx, conn); err != nil {
		return nil, err
	}

	if err := reportEnvironment(ctx, conn, log); err != nil {
		return nil, err
	}

	if err := transfer(ctx, conn, cfg.RemoteFS, cfg.Payload, log); err != nil {
		return nil, err
	}

	cmd := cfg.StartCommand()
	logf(log, "Launching agent process: %s", cmd)

	session, err := conn.StartSession(cmd, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgentStartFailed, err)
	}

	logf(log, "Expanded the channel window size to %dMB", ssh.ReadBufferSize>>20)

	if b.Handler != nil {
		ch := Channel{Stdin: session.Stdin(), Stdout: session.Stdout()}
		if err := b.Handler.SetChannel(ctx, ch, log); err != nil {
			outcome := describeOutcome(session.WaitOutcome(cfg.OutcomeWait))
			logf(log, "%s", outcome)
			_ = session.Close()

			return nil, fmt.Errorf("%w: %s: %w", ErrAgentStartFailed, outcome, err)
		}
	}

	if b.Registry != nil {
		b.Registry.Register(conn)
	}

	logf(log, "Agent successfully launched on %s.", address)

	return &Handle{
		conn:        conn,
		session:     session,
		registry:    b.Registry,
		outcomeWait: cfg.OutcomeWait,
	}, nil
}

func (b *Bootstrapper) connect(ctx context.Context, cfg Config, address string, log io.Writer) (Conn, error) {
	sshCfg := ssh.Config{
		Host:     address,
		Port:     cfg.Port,
		User:     cfg.Username,
		Password: cfg.Password,
	}

	clk := b.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var conn Conn

	logf(log, "Opening SSH connection to %s.", sshCfg.Addr())

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := b.Dialer.Dial(ctx, sshCfg)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ssh.ErrAuthentication) || ctx.Err() != nil
		},
		NotifyFunc: func(lastErr error, attempt int) {
			if attempt <= cfg.MaxRetries {
				logf(log, "Failed to connect to %s: %v. Waiting %s before retry.", sshCfg.Addr(), lastErr, cfg.RetryWait)
			}
		},
		Attempts: cfg.MaxRetries + 1,
		Delay:    cfg.RetryWait,
		Clock:    clk,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		logf(log, "Authentication successful as %s.", cfg.Username)
		return conn, nil
	case errors.Is(err, ssh.ErrAuthentication):
		logf(log, "Authentication failed as %s.", cfg.Username)
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	case retry.IsAttemptsExceeded(err), retry.IsDurationExceeded(err), retry.IsRetryStopped(err):
		return nil, retry.LastError(err)
	default:
		return nil, err
	}
}

// sanityCheck runs a no-op and rejects any output, which would corrupt a
// protocol layered on the session streams.
func sanityCheck(ctx context.Context, conn Conn) error {
	var out bytes.Buffer
	if _, err := conn.Exec(ctx, "true", &out); err != nil {
		return errors.Join(err, errSanityCheck)
	}

	if out.Len() != 0 {
		return fmt.Errorf("%w: %q", ErrUnexpectedSessionOutput, out.String())
	}

	return nil
}

func reportEnvironment(ctx context.Context, conn Conn, log io.Writer) error {
	logf(log, "Verifying remote environment.")

	code, err := conn.Exec(ctx, "set", log)
	if err != nil {
		return errors.Join(err, errEnvReport)
	}

	if code != 0 {
		logf(log, "Environment report exited with code %d.", code)
	}

	return nil
}

func describeOutcome(o ssh.Outcome) string {
	switch o.Kind {
	case ssh.OutcomeExited:
		return fmt.Sprintf("agent process has terminated. Exit code=%d", o.Code)
	case ssh.OutcomeSignaled:
		return fmt.Sprintf("agent process has terminated. Exit signal=%s", o.Signal)
	case ssh.OutcomeLost:
		return "agent process has not reported exit code before the socket was lost"
	default:
		return "agent process has not reported exit code. Is it still running?"
	}
}

// Handle is a launched agent.
type Handle struct {
	conn        Conn
	session     Session
	registry    *connregistry.Registry
	outcomeWait time.Duration

	once     sync.Once
	closeErr error
}

// RemoteAddr returns the address of the agent host.
func (h *Handle) RemoteAddr() string {
	if addr := h.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}

// Done is closed when the agent process terminates or its channel is lost.
func (h *Handle) Done() <-chan struct{} { return h.session.Done() }

// Outcome describes the agent process state, waiting up to the configured
// outcome wait for an exit status.
func (h *Handle) Outcome() string {
	return describeOutcome(h.session.WaitOutcome(h.outcomeWait))
}

// Close stops tracking the connection and closes the session and the
// connection. It is safe to call more than once.
func (h *Handle) Close() error {
	h.once.Do(func() {
		if h.registry != nil {
			h.registry.Unregister(h.conn)
		}

		sessionErr := h.session.Close()
		if errors.Is(sessionErr, io.EOF) {
			sessionErr = nil
		}

		h.closeErr = errors.Join(sessionErr, h.conn.Close())
	})

	return h.closeErr
}

type attemptResult struct {
	handle *Handle
	err    error
}

// attempt lets the timeout path close the connection of a launch that is
// still running.
type attempt struct {
	mu        sync.Mutex
	conn      Conn
	abandoned bool
}

func (a *attempt) track(conn Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.abandoned {
		return false
	}

	a.conn = conn
	return true
}

func (a *attempt) abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.abandoned = true
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

// lockedWriter serializes writes to the launch log. It never closes the
// underlying writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return len(p), nil
	}

	return l.w.Write(p)
}

func logf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
