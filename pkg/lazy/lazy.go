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

// Package lazy provides a checked-once cache cell.
package lazy

import "sync"

// Cell memoizes the first successful result of an initializer.
//
// Concurrent callers of Get block on a single mutex, so the initializer runs
// at most once at a time and is never invoked again after it has succeeded.
// A failing initializer leaves the cell empty; the next Get retries it.
type Cell[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
}

// Get returns the memoized value, running init if the cell is empty.
func (c *Cell[T]) Get(init func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set {
		return c.value, nil
	}

	v, err := init()
	if err != nil {
		var zero T
		return zero, err
	}

	c.value = v
	c.set = true
	return v, nil
}

// Peek returns the memoized value without initializing the cell.
func (c *Cell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Reset empties the cell and returns the previous value, if any.
func (c *Cell[T]) Reset() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.value, c.set
	var zero T
	c.value = zero
	c.set = false
	return v, ok
}
