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
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/orchestrator"
	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is a point-in-time copy of a launch.
type Record struct {
	ID         string               `json:"id"`
	Agent      string               `json:"agent"`
	Status     Status               `json:"status"`
	Error      string               `json:"error,omitempty"`
	RemoteAddr string               `json:"remoteAddr,omitempty"`
	Outcome    string               `json:"outcome,omitempty"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
	Log        string               `json:"log"`
	Events     []orchestrator.Event `json:"events,omitempty"`
}

// Launch is one launch attempt of an agent. It is also the launch log: every
// write is kept and copied to the optional tee writer.
type Launch struct {
	id        uuid.UUID
	agent     string
	startedAt time.Time
	tee       io.Writer
	done      chan struct{}

	mu         sync.Mutex
	status     Status
	err        error
	finishedAt time.Time
	log        bytes.Buffer
	events     []orchestrator.Event
	handle     *bootstrap.Handle
}

func newLaunch(agent string, now time.Time, tee io.Writer) *Launch {
	return &Launch{
		id:        uuid.New(),
		agent:     agent,
		startedAt: now,
		tee:       tee,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
}

func (l *Launch) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.log.Write(p)
	if l.tee != nil {
		_, _ = l.tee.Write(p)
	}

	return len(p), nil
}

func (l *Launch) ID() uuid.UUID { return l.id }

func (l *Launch) Agent() string { return l.agent }

// Done is closed when the attempt has finished.
func (l *Launch) Done() <-chan struct{} { return l.done }

// Err returns the terminal error of a finished attempt.
func (l *Launch) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

// Handle returns the live agent connection of a successful attempt.
func (l *Launch) Handle() *bootstrap.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.handle
}

func (l *Launch) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status
}

func (l *Launch) Record() Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := Record{
		ID:        l.id.String(),
		Agent:     l.agent,
		Status:    l.status,
		StartedAt: l.startedAt,
		Log:       l.log.String(),
		Events:    append([]orchestrator.Event(nil), l.events...),
	}

	if l.err != nil {
		r.Error = l.err.Error()
	}

	if !l.finishedAt.IsZero() {
		finishedAt := l.finishedAt
		r.FinishedAt = &finishedAt
	}

	if l.handle != nil {
		r.RemoteAddr = l.handle.RemoteAddr()
		select {
		case <-l.handle.Done():
			r.Outcome = l.handle.Outcome()
		default:
		}
	}

	return r
}

func (l *Launch) finish(h *bootstrap.Handle, events []orchestrator.Event, err error, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handle = h
	l.events = events
	l.err = err
	l.finishedAt = now

	if err != nil {
		l.status = StatusFailed
	} else {
		l.status = StatusSucceeded
	}

	close(l.done)
}
