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
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// SFTP is a file-transfer session multiplexed on a Client.
type SFTP struct {
	client *sftp.Client
}

// NewSFTP starts the sftp subsystem. An error means the server does not
// offer the subsystem; the connection itself stays usable.
func (c *Client) NewSFTP() (*SFTP, error) {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, errors.Join(err, errNewSFTP)
	}

	return &SFTP{client: client}, nil
}

func (s *SFTP) Stat(path string) (os.FileInfo, error) {
	return s.client.Stat(path)
}

// MkdirAll creates path and its parents, then sets mode on path.
func (s *SFTP) MkdirAll(path string, mode os.FileMode) error {
	if err := s.client.MkdirAll(path); err != nil {
		return err
	}

	return s.client.Chmod(path, mode)
}

func (s *SFTP) Remove(path string) error {
	return s.client.Remove(path)
}

// WriteFile truncates or creates path and writes data to it.
func (s *SFTP) WriteFile(path string, data []byte, mode os.FileMode) (int64, error) {
	f, err := s.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, err
	}
	defer runFuncAndLogErr(f.Close)

	n, err := io.Copy(f, bytes.NewReader(data))
	if err != nil {
		return n, err
	}

	return n, f.Chmod(mode)
}

func (s *SFTP) Close() error {
	return s.client.Close()
}
