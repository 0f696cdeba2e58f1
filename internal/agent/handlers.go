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
	"context"
	"errors"
	"io"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
)

var (
	_ bootstrap.ChannelHandler = DrainHandler{}
	_ bootstrap.ChannelHandler = StdioHandler{}
)

var errNoStreams = errors.New("stdio handler needs at least one stream")

// DrainHandler copies the agent output into the launch log until the
// channel is closed.
type DrainHandler struct{}

func (DrainHandler) SetChannel(_ context.Context, ch bootstrap.Channel, log io.Writer) error {
	go func() {
		_, _ = io.Copy(log, ch.Stdout)
	}()

	return nil
}

// StdioHandler connects the agent channel to local streams, for instance the
// standard streams of an attached CLI.
type StdioHandler struct {
	In  io.Reader
	Out io.Writer
}

func (h StdioHandler) SetChannel(_ context.Context, ch bootstrap.Channel, _ io.Writer) error {
	if h.In == nil && h.Out == nil {
		return errNoStreams
	}

	if h.In != nil {
		go func() {
			_, _ = io.Copy(ch.Stdin, h.In)
			_ = ch.Stdin.Close()
		}()
	}

	if h.Out != nil {
		go func() {
			_, _ = io.Copy(h.Out, ch.Stdout)
		}()
	}

	return nil
}
