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

// Package remotecmd formats command lines for a remote POSIX shell.
package remotecmd

import (
	"maps"
	"slices"
	"strings"

	"github.com/juju/utils/v4"
)

// Context carries the environment and prefix applied to every command
// formatted with it.
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		envs:       envs,
		prependCmd: prependCmd,
	}
}

// Empty is a Context with no environment and no prefix.
var Empty = New(nil, nil)

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Format renders cmd as one shell line. Environment assignments come first,
// sorted by name, then the prefix, then cmd. Every word is quoted.
func Format(ctx Context, cmd ...string) string {
	words := make([]string, 0, len(cmd)+len(ctx.PrependCmd())+len(ctx.Envs()))

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		words = append(words, k+"="+Quote(envs[k]))
	}

	for _, s := range ctx.PrependCmd() {
		words = append(words, Quote(s))
	}

	for _, s := range cmd {
		words = append(words, Quote(s))
	}

	return strings.Join(words, " ")
}

// InDir renders "cd <dir> && <cmd...>". dir and every word of cmd are quoted.
func InDir(ctx Context, dir string, cmd ...string) string {
	return "cd " + Quote(dir) + " && " + Format(ctx, cmd...)
}

// Quote returns s unchanged if it only holds characters that are never
// interpreted by a POSIX shell, and shell-quotes it otherwise.
func Quote(s string) string {
	if s != "" && strings.Trim(s, safeChars) == "" {
		return s
	}

	return utils.ShQuote(s)
}

const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:,+@%"
