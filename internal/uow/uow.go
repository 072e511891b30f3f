// Copyright (c) 2026 John Earle
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

// Package uow collects side effects (outgoing mail sends, bus events) that
// must only happen once the message has been fully processed.
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Work is a queue of pending operations. The zero value is ready to use.
type Work struct {
	mu  sync.Mutex
	ops []op
}

type op struct {
	name string
	fn   func(ctx context.Context) error
}

// Defer queues fn. On a nil Work, fn runs immediately.
func (w *Work) Defer(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if w == nil {
		return fn(ctx)
	}
	w.mu.Lock()
	w.ops = append(w.ops, op{name: name, fn: fn})
	w.mu.Unlock()
	return nil
}

// Len returns the number of pending operations.
func (w *Work) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ops)
}

// Flush runs every pending operation in order. All operations run even if
// some fail; their errors are joined.
func (w *Work) Flush(ctx context.Context) error {
	w.mu.Lock()
	ops := w.ops
	w.ops = nil
	w.mu.Unlock()

	var errs []error
	for _, o := range ops {
		if err := o.fn(ctx); err != nil {
			slog.Warn("deferred operation failed", "op", o.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops pending operations without running them.
func (w *Work) Discard() {
	w.mu.Lock()
	n := len(w.ops)
	w.ops = nil
	w.mu.Unlock()
	if n > 0 {
		slog.Debug("discarded deferred operations", "count", n)
	}
}
