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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/remotecmd"
)

const (
	remoteDirMode  fs.FileMode = 0o700
	remoteFileMode fs.FileMode = 0o644
)

// transfer copies the payload to dir, preferring sftp. The scp fallback is
// only taken when the sftp subsystem cannot be started; an error during an
// sftp transfer is final.
func transfer(ctx context.Context, conn Conn, dir string, payload Payload, log io.Writer) error {
	data, err := payload.Bytes()
	if err != nil {
		return errors.Join(err, fmt.Errorf("payload=%s", payload.Name()), errReadPayload)
	}

	ft, err := conn.NewSFTP()
	if err != nil {
		logf(log, "Failed to open an SFTP session (%v). Falling back to SCP.", err)
		return scpTransfer(ctx, conn, dir, payload.Name(), data, log)
	}
	defer func() {
		if err := ft.Close(); err != nil {
			logf(log, "Failed to close the SFTP session: %v", err)
		}
	}()

	return sftpTransfer(ft, dir, payload.Name(), data, log)
}

func sftpTransfer(ft FileTransfer, dir, name string, data []byte, log io.Writer) error {
	info, err := ft.Stat(dir)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		logf(log, "Creating %s.", dir)
		if err := ft.MkdirAll(dir, remoteDirMode); err != nil {
			return errors.Join(err, fmt.Errorf("dir=%s", dir), errMkdirRemote)
		}
	case err != nil:
		return errors.Join(err, fmt.Errorf("dir=%s", dir), errStatRemoteFS)
	case !info.IsDir():
		return fmt.Errorf("%w: dir=%s", ErrRemoteFSIsFile, dir)
	}

	target := path.Join(dir, name)
	if err := ft.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logf(log, "Failed to remove the previous %s: %v", target, err)
	}

	logf(log, "Copying %s to %s over SFTP.", name, target)

	n, err := ft.WriteFile(target, data, remoteFileMode)
	if err != nil {
		return fmt.Errorf("%w: path=%s: %w", ErrTransferFailed, target, err)
	}

	logf(log, "Copied %d bytes.", n)
	return nil
}

func scpTransfer(ctx context.Context, conn Conn, dir, name string, data []byte, log io.Writer) error {
	if _, _, err := conn.Run(ctx, remotecmd.Empty, "test", "-d", dir); err != nil {
		if _, _, err := conn.Run(ctx, remotecmd.Empty, "test", "-e", dir); err == nil {
			return fmt.Errorf("%w: dir=%s", ErrRemoteFSIsFile, dir)
		}

		logf(log, "Creating %s.", dir)
		if _, stderr, err := conn.Run(ctx, remotecmd.Empty, "mkdir", "-p", dir); err != nil {
			return errors.Join(err, fmt.Errorf("dir=%s stderr=%s", dir, stderr), errMkdirRemote)
		}
	}

	target := path.Join(dir, name)
	if _, stderr, err := conn.Run(ctx, remotecmd.Empty, "rm", "-f", target); err != nil {
		logf(log, "Failed to remove the previous %s: %v %s", target, err, stderr)
	}

	logf(log, "Copying %s to %s over SCP.", name, target)

	if err := conn.Put(ctx, data, name, dir, remoteFileMode); err != nil {
		return fmt.Errorf("%w: path=%s: %w", ErrTransferFailed, target, err)
	}

	logf(log, "Copied %d bytes.", len(data))
	return nil
}
