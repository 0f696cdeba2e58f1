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
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// ReadBufferSize is the size of the local buffer placed in front of a
// long-running session's stdout.
const ReadBufferSize = 4 << 20

// Session is a long-running remote command whose stdio is exposed to the
// caller.
type Session struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	done    chan struct{}
	waitErr error
}

// StartSession starts cmd and returns its stdin and a buffered stdout. The
// remote stderr is copied to stderr, which the session never closes.
func (c *Client) StartSession(cmd string, stderr io.Writer) (*Session, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, errors.Join(err, errNewSession)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		runFuncAndLogErr(session.Close)
		return nil, errors.Join(err, errStdinPipe)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		runFuncAndLogErr(session.Close)
		return nil, errors.Join(err, errStdoutPipe)
	}

	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		runFuncAndLogErr(session.Close)
		return nil, errors.Join(err, fmt.Errorf("cmd=%s", cmd), errStartCommand)
	}

	s := &Session{
		session: session,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, ReadBufferSize),
		done:    make(chan struct{}),
	}

	go func() {
		s.waitErr = session.Wait()
		close(s.done)
	}()

	return s, nil
}

func (s *Session) Stdin() io.WriteCloser { return s.stdin }

func (s *Session) Stdout() io.Reader { return s.stdout }

// Done is closed once the remote command has terminated or the channel was
// lost.
func (s *Session) Done() <-chan struct{} { return s.done }

// WaitOutcome waits up to timeout for the remote command to terminate.
func (s *Session) WaitOutcome(timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return outcomeOf(s.waitErr)
	case <-timer.C:
		return Outcome{Kind: OutcomeRunning}
	}
}

func (s *Session) Close() error {
	return s.session.Close()
}

// OutcomeKind classifies how a remote command ended.
type OutcomeKind int

const (
	// OutcomeRunning means no exit status was reported within the wait.
	OutcomeRunning OutcomeKind = iota
	// OutcomeExited means the command reported an exit code.
	OutcomeExited
	// OutcomeSignaled means the command was killed by a signal.
	OutcomeSignaled
	// OutcomeLost means the channel closed without an exit status.
	OutcomeLost
)

// Outcome is the last known state of a remote command.
type Outcome struct {
	Kind   OutcomeKind
	Code   int
	Signal string
}

func outcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeExited}
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if sig := exitErr.Signal(); sig != "" {
			return Outcome{Kind: OutcomeSignaled, Signal: sig, Code: exitErr.ExitStatus()}
		}

		return Outcome{Kind: OutcomeExited, Code: exitErr.ExitStatus()}
	}

	return Outcome{Kind: OutcomeLost}
}
