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

package remotecmd_test

import (
	"testing"

	"github.com/alexandremahdhaoui/vmlaunch/pkg/remotecmd"
	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	for in, expected := range map[string]string{
		"":                  "''",
		"agent.jar":         "agent.jar",
		"/home/ci/jenkins":  "/home/ci/jenkins",
		"-Xmx512m":          "-Xmx512m",
		"my dir":            "'my dir'",
		"it's":              `'it'"'"'s'`,
		"$HOME":             "'$HOME'",
		"a;rm -rf /":        "'a;rm -rf /'",
		";":                 "';'",
		"&&":                "'&&'",
		"-Dkey=value,other": "-Dkey=value,other",
	} {
		assert.Equal(t, expected, remotecmd.Quote(in), in)
	}
}

func TestFormat(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		assert.Equal(t, "true", remotecmd.Format(remotecmd.Empty, "true"))
	})

	t.Run("in dir", func(t *testing.T) {
		got := remotecmd.InDir(remotecmd.Empty, "/srv/agent dir", "java", "-jar", "agent.jar")
		assert.Equal(t, "cd '/srv/agent dir' && java -jar agent.jar", got)
	})

	t.Run("operator words are quoted", func(t *testing.T) {
		got := remotecmd.InDir(remotecmd.Empty, "/srv", "java", "-Xmx1g", ";", "touch", "/tmp/x", "&&", "true")
		assert.Equal(t, "cd /srv && java -Xmx1g ';' touch /tmp/x '&&' true", got)
	})

	t.Run("envs and prefix", func(t *testing.T) {
		ctx := remotecmd.New(
			map[string]string{"LANG": "C", "A": "x y"},
			[]string{"sudo", "-E"},
		)
		assert.Equal(t, "A='x y' LANG=C sudo -E test -d /tmp", remotecmd.Format(ctx, "test", "-d", "/tmp"))
	})

	t.Run("context is copied", func(t *testing.T) {
		envs := map[string]string{"A": "1"}
		ctx := remotecmd.New(envs, nil)
		ctx.Envs()["B"] = "2"
		assert.Len(t, ctx.Envs(), 1)
	})
}
