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

//go:build unit

package bootstrap_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmlaunch/internal/bootstrap"
	"github.com/alexandremahdhaoui/vmlaunch/internal/connregistry"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/fakes/sshfake"
	"github.com/alexandremahdhaoui/vmlaunch/internal/util/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jar = []byte("PK\x03\x04agent")

func newBootstrapper(fake *sshfake.Fake, registry *connregistry.Registry) *bootstrap.Bootstrapper {
	return &bootstrap.Bootstrapper{
		Config: bootstrap.Config{
			Username:    "ci",
			Password:    "secret",
			MaxRetries:  3,
			RetryWait:   time.Millisecond,
			OutcomeWait: 10 * time.Millisecond,
			RemoteFS:    "/srv/agent/",
			Payload:     bootstrap.BytesPayload{FileName: "agent.jar", Data: jar},
		},
		Dialer:   fake,
		Registry: registry,
	}
}

func TestBootstrap_SFTP(t *testing.T) {
	fake := sshfake.New().WithFile("/srv/agent/agent.jar", []byte("stale"))
	fake.Outputs["set"] = "HOME=/home/ci\n"
	registry := connregistry.New()
	b := newBootstrapper(fake, registry)

	var log bytes.Buffer
	h, err := b.Bootstrap(context.Background(), "10.0.0.7", &log)
	require.NoError(t, err)

	data, ok := fake.File("/srv/agent/agent.jar")
	require.True(t, ok)
	assert.Equal(t, jar, data)
	assert.True(t, fake.IsDir("/srv/agent"))

	assert.Equal(t, []string{
		"true",
		"set",
		"session: cd /srv/agent && java -jar agent.jar",
	}, fake.Commands())

	cfg := fake.Configs()[0]
	assert.Equal(t, "10.0.0.7", cfg.Host)
	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, "ci", cfg.User)
	assert.Equal(t, "secret", cfg.Password)

	assert.Contains(t, log.String(), "HOME=/home/ci")
	assert.Contains(t, log.String(), fmt.Sprintf("Copied %d bytes.", len(jar)))
	assert.Contains(t, log.String(), "Expanded the channel window size to 4MB")

	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, "10.0.0.7:22", h.RemoteAddr())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, 1, fake.Conns()[0].Closed())
	assert.Equal(t, 1, fake.Sessions()[0].Closed())
}

func TestBootstrap_SCPFallback(t *testing.T) {
	fake := sshfake.New()
	fake.NoSFTP = true
	registry := connregistry.New()
	b := newBootstrapper(fake, registry)

	var log bytes.Buffer
	h, err := b.Bootstrap(context.Background(), "10.0.0.7", &log)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	data, ok := fake.File("/srv/agent/agent.jar")
	require.True(t, ok)
	assert.Equal(t, jar, data)

	assert.Equal(t, []string{
		"true",
		"set",
		"test -d /srv/agent",
		"test -e /srv/agent",
		"mkdir -p /srv/agent",
		"rm -f /srv/agent/agent.jar",
		"scp -t /srv/agent",
		"session: cd /srv/agent && java -jar agent.jar",
	}, fake.Commands())
	assert.Contains(t, log.String(), "Falling back to SCP")
}

func TestBootstrap_RemoteFSIsFile(t *testing.T) {
	for _, noSFTP := range []bool{false, true} {
		t.Run(fmt.Sprintf("noSFTP=%t", noSFTP), func(t *testing.T) {
			fake := sshfake.New().WithFile("/srv/agent", []byte("oops"))
			fake.NoSFTP = noSFTP
			registry := connregistry.New()

			_, err := newBootstrapper(fake, registry).Bootstrap(context.Background(), "10.0.0.7", io.Discard)
			assert.ErrorIs(t, err, bootstrap.ErrRemoteFSIsFile)
			assert.Equal(t, 0, registry.Len())
			assert.Equal(t, 1, fake.Conns()[0].Closed())
		})
	}
}

func TestBootstrap_StalePayloadRemoveFailure(t *testing.T) {
	for _, noSFTP := range []bool{false, true} {
		t.Run(fmt.Sprintf("noSFTP=%t", noSFTP), func(t *testing.T) {
			fake := sshfake.New().WithFile("/srv/agent/agent.jar", []byte("stale"))
			fake.NoSFTP = noSFTP
			fake.RemoveErr = errors.New("permission denied")

			var log bytes.Buffer
			h, err := newBootstrapper(fake, connregistry.New()).Bootstrap(context.Background(), "10.0.0.7", &log)
			require.NoError(t, err)
			defer func() { _ = h.Close() }()

			assert.Contains(t, log.String(), "Failed to remove the previous /srv/agent/agent.jar")
			assert.Contains(t, log.String(), "permission denied")

			data, ok := fake.File("/srv/agent/agent.jar")
			require.True(t, ok)
			assert.Equal(t, jar, data)
		})
	}
}

func TestBootstrap_UnexpectedSessionOutput(t *testing.T) {
	fake := sshfake.New()
	fake.Outputs["true"] = "Last login: Mon Oct 12 09:00:00 2026 from 10.0.0.1\n"
	registry := connregistry.New()

	_, err := newBootstrapper(fake, registry).Bootstrap(context.Background(), "10.0.0.7", io.Discard)
	require.ErrorIs(t, err, bootstrap.ErrUnexpectedSessionOutput)
	assert.Contains(t, err.Error(), "Last login")
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, 1, fake.Conns()[0].Closed())
	assert.Equal(t, []string{"true"}, fake.Commands())
}

func TestBootstrap_AuthenticationIsNotRetried(t *testing.T) {
	fake := sshfake.New()
	fake.DialErrs = []error{fmt.Errorf("%w: user=ci", ssh.ErrAuthentication)}

	_, err := newBootstrapper(fake, connregistry.New()).Bootstrap(context.Background(), "10.0.0.7", io.Discard)
	assert.ErrorIs(t, err, bootstrap.ErrAuthenticationFailed)
	assert.Equal(t, 1, fake.Dials())
}

func TestBootstrap_ConnectRetries(t *testing.T) {
	refused := errors.New("connect: connection refused")

	t.Run("succeeds after retries", func(t *testing.T) {
		fake := sshfake.New()
		fake.DialErrs = []error{refused, refused}
		var log bytes.Buffer

		h, err := newBootstrapper(fake, connregistry.New()).Bootstrap(context.Background(), "10.0.0.7", &log)
		require.NoError(t, err)
		defer func() { _ = h.Close() }()

		assert.Equal(t, 3, fake.Dials())
		assert.Contains(t, log.String(), "Waiting 1ms before retry")
	})

	t.Run("last error is returned verbatim", func(t *testing.T) {
		last := errors.New("connect: no route to host")
		fake := sshfake.New()
		fake.DialErrs = []error{refused, refused, refused, last}

		_, err := newBootstrapper(fake, connregistry.New()).Bootstrap(context.Background(), "10.0.0.7", io.Discard)
		assert.Equal(t, last, err)
		assert.Equal(t, 4, fake.Dials())
	})
}

func TestBootstrap_HandlerFailure(t *testing.T) {
	fake := sshfake.New()
	fake.AgentExits = true
	fake.AgentOutcome = ssh.Outcome{Kind: ssh.OutcomeExited, Code: 1}
	registry := connregistry.New()

	b := newBootstrapper(fake, registry)
	b.Handler = bootstrap.ChannelHandlerFunc(func(context.Context, bootstrap.Channel, io.Writer) error {
		return errors.New("handshake rejected")
	})

	_, err := b.Bootstrap(context.Background(), "10.0.0.7", io.Discard)
	require.ErrorIs(t, err, bootstrap.ErrAgentStartFailed)
	assert.Contains(t, err.Error(), "Exit code=1")
	assert.Contains(t, err.Error(), "handshake rejected")
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, 1, fake.Sessions()[0].Closed())
	assert.Equal(t, 1, fake.Conns()[0].Closed())
}

func TestBootstrap_HandlerReceivesChannel(t *testing.T) {
	fake := sshfake.New()
	fake.AgentStdout = "<===[AGENT REMOTING CAPACITY]===>"

	var got string
	b := newBootstrapper(fake, connregistry.New())
	b.Config.JVMOptions = "-Xmx256m -Dfile.encoding=UTF-8"
	b.Handler = bootstrap.ChannelHandlerFunc(func(_ context.Context, ch bootstrap.Channel, _ io.Writer) error {
		out, err := io.ReadAll(ch.Stdout)
		got = string(out)
		_, _ = io.WriteString(ch.Stdin, "hello")
		return err
	})

	h, err := b.Bootstrap(context.Background(), "10.0.0.7", io.Discard)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	assert.Equal(t, "<===[AGENT REMOTING CAPACITY]===>", got)
	assert.Equal(t, "hello", fake.Sessions()[0].Input())
	assert.Contains(t, fake.Commands(), "session: cd /srv/agent && java -Xmx256m -Dfile.encoding=UTF-8 -jar agent.jar")
}

func TestBootstrap_StderrGoesToLog(t *testing.T) {
	fake := sshfake.New()
	fake.AgentOutcome = ssh.Outcome{Kind: ssh.OutcomeExited}
	var log bytes.Buffer

	h, err := newBootstrapper(fake, connregistry.New()).Bootstrap(context.Background(), "10.0.0.7", &log)
	require.NoError(t, err)

	fake.Sessions()[0].WriteStderr("INFO: agent connected\n")
	assert.Contains(t, log.String(), "INFO: agent connected")

	require.NoError(t, h.Close())
	assert.Equal(t, "agent process has terminated. Exit code=0", h.Outcome())
}

func TestBootstrap_LaunchTimeout(t *testing.T) {
	fake := sshfake.New()
	fake.BlockDial = true
	registry := connregistry.New()

	b := newBootstrapper(fake, registry)
	b.Config.LaunchTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := b.Bootstrap(context.Background(), "10.0.0.7", io.Discard)
	assert.ErrorIs(t, err, bootstrap.ErrLaunchTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, registry.Len())
}

func TestBootstrap_Cancelled(t *testing.T) {
	fake := sshfake.New()
	fake.BlockDial = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := newBootstrapper(fake, connregistry.New()).Bootstrap(ctx, "10.0.0.7", io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_StartCommand(t *testing.T) {
	cfg := bootstrap.Config{
		RemoteFS:   "/home/ci/my agent",
		JavaPath:   "/opt/jdk/bin/java",
		JVMOptions: "-Xmx1g",
		Payload:    bootstrap.FilePayload{Path: "/var/lib/vmlaunch/remoting.jar"},
	}

	assert.Equal(t, "cd '/home/ci/my agent' && /opt/jdk/bin/java -Xmx1g -jar remoting.jar", cfg.StartCommand())

	cfg = bootstrap.Config{
		RemoteFS:   "/srv/agent",
		JVMOptions: "-Xmx1g ; touch /tmp/owned && true",
		Payload:    bootstrap.BytesPayload{FileName: "agent.jar"},
	}

	assert.Equal(t, "cd /srv/agent && java -Xmx1g ';' touch /tmp/owned '&&' true -jar agent.jar", cfg.StartCommand())
}
