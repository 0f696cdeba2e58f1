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
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	scp "github.com/bramvdbogaerde/go-scp"
)

// Put copies data to dir/name with the given mode over scp, on a new session
// of the existing connection.
func (c *Client) Put(ctx context.Context, data []byte, name, dir string, mode os.FileMode) error {
	client, err := scp.NewClientBySSH(c.conn)
	if err != nil {
		return errors.Join(err, errNewSession)
	}

	// client.Close would close c.conn, which the caller still owns.
	target := path.Join(dir, path.Base(name))
	if err := client.CopyFile(ctx, bytes.NewReader(data), target, fmt.Sprintf("%04o", mode.Perm())); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s name=%s", dir, name), errSCP)
	}

	return nil
}
