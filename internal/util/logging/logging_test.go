// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


//go:build unit

package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alexandremahdhaoui/vmlaunch/internal/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var out bytes.Buffer
	log := logging.Setup(logging.Options{Level: slog.LevelInfo, Output: &out})

	log.WithName("manager").Info("launch started", "agent", "build-01")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "launch started", entry["msg"])
	assert.Equal(t, "build-01", entry["agent"])
	assert.Equal(t, "manager", entry["logger"])

	out.Reset()
	slog.Debug("hidden")
	assert.Empty(t, out.String())
}

func TestSetup_Development(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var out bytes.Buffer
	_ = logging.Setup(logging.Options{Development: true, Level: slog.LevelDebug, Output: &out})

	slog.Debug("visible", "vm", "build-01")
	assert.Contains(t, out.String(), "msg=visible")
	assert.Contains(t, out.String(), "vm=build-01")
}
