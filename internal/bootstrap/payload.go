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
	"os"
	"path/filepath"
)

// Payload is the executable copied to the remote working directory.
type Payload interface {
	// Name is the remote file name.
	Name() string
	Bytes() ([]byte, error)
}

// FilePayload reads the payload from a local file on every launch, so a new
// agent build is picked up without restarting.
type FilePayload struct {
	Path string
	// RemoteName defaults to the base name of Path.
	RemoteName string
}

func (p FilePayload) Name() string {
	if p.RemoteName != "" {
		return p.RemoteName
	}

	return filepath.Base(p.Path)
}

func (p FilePayload) Bytes() ([]byte, error) {
	return os.ReadFile(p.Path)
}

// BytesPayload is an in-memory payload.
type BytesPayload struct {
	FileName string
	Data     []byte
}

func (p BytesPayload) Name() string { return p.FileName }

func (p BytesPayload) Bytes() ([]byte, error) { return p.Data, nil }
