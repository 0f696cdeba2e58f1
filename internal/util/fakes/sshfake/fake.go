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

// Package sshfake is an in-memory remote host reachable through
// bootstrap.Dialer. It keeps a tiny file system, answers a fixed set of
// shell commands, and records everything it was asked to do.
package sshfake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmlaunch/pkg/remotecmd"
)

var (
	_ bootstrap.Dialer       = &Fake{}
	_ bootstrap.Conn         = &Conn{}
	_ bootstrap.FileTransfer = &sftpClient{}
	_ bootstrap.Session      = &Session{}
)

var errCommandFailed = errors.New("remote command exited with non-zero status")

type Fake struct {
	mu sync.Mutex

	// DialErrs is consumed one entry per Dial; a nil entry or an exhausted
	// list means success.
	DialErrs []error
	// BlockDial makes Dial wait for its context to be done.
	BlockDial bool
	// Outputs maps an Exec command to its stdout.
	Outputs map[string]string
	// NoSFTP makes NewSFTP fail.
	NoSFTP bool
	// StartErr makes StartSession fail.
	StartErr error
	// RemoveErr makes the sftp Remove and "rm -f" fail.
	RemoveErr error
	// AgentStdout is what the agent session prints.
	AgentStdout string
	// AgentOutcome is reported by the agent session once it is finished.
	AgentOutcome ssh.Outcome
	// AgentExits finishes the agent session as soon as it starts.
	AgentExits bool

	dirs  map[string]bool
	files map[string][]byte

	dials    int
	configs  []ssh.Config
	commands []string
	conns    []*Conn
	sessions []*Session
}

func New() *Fake {
	return &Fake{
		Outputs: map[string]string{},
		dirs:    map[string]bool{"/": true},
		files:   map[string][]byte{},
	}
}

// WithDir creates a remote directory.
func (f *Fake) WithDir(p string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs[path.Clean(p)] = true
	return f
}

// WithFile creates a remote regular file.
func (f *Fake) WithFile(p string, data []byte) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.files[path.Clean(p)] = data
	return f
}

// File returns the content of a remote file.
func (f *Fake) File(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[path.Clean(p)]
	return data, ok
}

// IsDir reports whether a remote directory exists.
func (f *Fake) IsDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dirs[path.Clean(p)]
}

func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dials
}

// Configs returns the dial configurations, in order.
func (f *Fake) Configs() []ssh.Config {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]ssh.Config(nil), f.configs...)
}

// Commands returns every command run on the host, in order. Session
// commands are prefixed with "session: ".
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.commands...)
}

// Conns returns the connections opened so far.
func (f *Fake) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Conn(nil), f.conns...)
}

// Sessions returns the agent sessions started so far.
func (f *Fake) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Session(nil), f.sessions...)
}

func (f *Fake) Dial(ctx context.Context, cfg ssh.Config) (bootstrap.Conn, error) {
	f.mu.Lock()
	f.dials++
	f.configs = append(f.configs, cfg)

	var err error
	if len(f.DialErrs) > 0 {
		err, f.DialErrs = f.DialErrs[0], f.DialErrs[1:]
	}

	block := f.BlockDial
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if err != nil {
		return nil, err
	}

	addr := &net.TCPAddr{IP: net.ParseIP(cfg.Host), Port: cfg.Port}
	if addr.IP == nil {
		addr.IP = net.IPv4(127, 0, 0, 1)
	}

	c := &Conn{fake: f, addr: addr}

	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()

	return c, nil
}

// Conn is a fake connection.
type Conn struct {
	fake   *Fake
	addr   net.Addr
	mu     sync.Mutex
	closed int
}

// Closed returns how many times Close was called.
func (c *Conn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Conn) RemoteAddr() net.Addr { return c.addr }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed++
	return nil
}

func (c *Conn) Exec(ctx context.Context, cmd string, stdout io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	f := c.fake
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	out := f.Outputs[cmd]
	f.mu.Unlock()

	_, _ = io.WriteString(stdout, out)
	return 0, nil
}

// Run answers test -d, test -e, mkdir -p and rm -f on the fake file system.
func (c *Conn) Run(ctx context.Context, cmdCtx remotecmd.Context, cmd ...string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, remotecmd.Format(cmdCtx, cmd...))

	if len(cmd) != 3 {
		return "", "", fmt.Errorf("%w: unsupported command %q", errCommandFailed, cmd)
	}

	p := path.Clean(cmd[2])
	switch cmd[0] + " " + cmd[1] {
	case "test -d":
		if f.dirs[p] {
			return "", "", nil
		}
	case "test -e":
		if _, ok := f.files[p]; ok || f.dirs[p] {
			return "", "", nil
		}
	case "mkdir -p":
		if _, ok := f.files[p]; ok {
			return "", "mkdir: cannot create directory: File exists", errCommandFailed
		}
		for d := p; d != "/" && d != "."; d = path.Dir(d) {
			f.dirs[d] = true
		}
		return "", "", nil
	case "rm -f":
		if f.RemoveErr != nil {
			return "", f.RemoveErr.Error(), f.RemoveErr
		}
		delete(f.files, p)
		return "", "", nil
	}

	return "", "", errCommandFailed
}

func (c *Conn) Put(ctx context.Context, data []byte, name, dir string, _ fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, "scp -t "+dir)
	if !f.dirs[path.Clean(dir)] {
		return fmt.Errorf("scp: %s: No such file or directory", dir)
	}

	f.files[path.Join(dir, name)] = append([]byte(nil), data...)
	return nil
}

func (c *Conn) NewSFTP() (bootstrap.FileTransfer, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NoSFTP {
		return nil, errors.New("ssh: subsystem request failed")
	}

	return &sftpClient{fake: f}, nil
}

func (c *Conn) StartSession(cmd string, stderr io.Writer) (bootstrap.Session, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, "session: "+cmd)
	if f.StartErr != nil {
		return nil, f.StartErr
	}

	s := &Session{
		stdout:  strings.NewReader(f.AgentStdout),
		stderr:  stderr,
		outcome: f.AgentOutcome,
		done:    make(chan struct{}),
	}
	f.sessions = append(f.sessions, s)

	if f.AgentExits {
		s.Finish()
	}

	return s, nil
}

type sftpClient struct {
	fake *Fake
}

func (s *sftpClient) Stat(p string) (fs.FileInfo, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	p = path.Clean(p)
	if f.dirs[p] {
		return fileInfo{name: path.Base(p), dir: true}, nil
	}

	if data, ok := f.files[p]; ok {
		return fileInfo{name: path.Base(p), size: int64(len(data))}, nil
	}

	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (s *sftpClient) MkdirAll(p string, _ fs.FileMode) error {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	for d := path.Clean(p); d != "/" && d != "."; d = path.Dir(d) {
		f.dirs[d] = true
	}

	return nil
}

func (s *sftpClient) Remove(p string) error {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	p = path.Clean(p)
	if f.RemoveErr != nil {
		return &fs.PathError{Op: "remove", Path: p, Err: f.RemoveErr}
	}

	if _, ok := f.files[p]; !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}

	delete(f.files, p)
	return nil
}

func (s *sftpClient) WriteFile(p string, data []byte, _ fs.FileMode) (int64, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirs[path.Dir(path.Clean(p))] {
		return 0, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}

	f.files[path.Clean(p)] = append([]byte(nil), data...)
	return int64(len(data)), nil
}

func (s *sftpClient) Close() error { return nil }

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (i fileInfo) Name() string { return i.name }
func (i fileInfo) Size() int64  { return i.size }
func (i fileInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o700
	}
	return 0o644
}
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return i.dir }
func (i fileInfo) Sys() any           { return nil }

// Session is a fake agent session. Its stdin is captured.
type Session struct {
	mu      sync.Mutex
	stdin   bytes.Buffer
	stdout  io.Reader
	stderr  io.Writer
	outcome ssh.Outcome
	closed  int

	done     chan struct{}
	doneOnce sync.Once
}

// Input returns what was written to the session stdin.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stdin.String()
}

// Closed returns how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// WriteStderr writes to the stderr sink the session was started with.
func (s *Session) WriteStderr(msg string) {
	_, _ = io.WriteString(s.stderr, msg)
}

// Finish terminates the agent process.
func (s *Session) Finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) Stdin() io.WriteCloser { return sessionStdin{s} }

func (s *Session) Stdout() io.Reader { return s.stdout }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) WaitOutcome(timeout time.Duration) ssh.Outcome {
	select {
	case <-s.done:
		return s.outcome
	case <-time.After(timeout):
		return ssh.Outcome{Kind: ssh.OutcomeRunning}
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()

	s.Finish()
	return nil
}

type sessionStdin struct{ s *Session }

func (w sessionStdin) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	return w.s.stdin.Write(p)
}

func (w sessionStdin) Close() error { return nil }
