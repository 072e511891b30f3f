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

// Package thread describes the record types that hold message threads and
// posts messages onto them.
package thread

import (
	"context"
	"sort"
	"sync"

	"github.com/bcem/mailgate/internal/models"
)

// Model is a record type able to hold a message thread.
type Model interface {
	Name() string
	Exists(ctx context.Context, id int64) (bool, error)
}

// CreatableFromMessage is implemented by models that can open a new thread
// from an inbound message.
type CreatableFromMessage interface {
	Model
	MessageNew(ctx context.Context, env *models.Envelope, defaults map[string]any, userID int64) (int64, error)
}

// UpdatableFromMessage is implemented by models that accept replies on an
// existing thread.
type UpdatableFromMessage interface {
	Model
	MessageUpdate(ctx context.Context, id int64, env *models.Envelope, values map[string]any) error
}

// CreationSubtyper is implemented by models posting the opening message of a
// new thread with a subtype other than comment.
type CreationSubtyper interface {
	CreationSubtype() string
}

// CanCreate reports whether m opens threads from mail.
func CanCreate(m Model) bool {
	_, ok := m.(CreatableFromMessage)
	return ok
}

// CanUpdate reports whether m accepts replies from mail.
func CanUpdate(m Model) bool {
	_, ok := m.(UpdatableFromMessage)
	return ok
}

// Registry maps model names to models.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry creates a registry holding ms.
func NewRegistry(ms ...Model) *Registry {
	r := &Registry{models: make(map[string]Model, len(ms))}
	for _, m := range ms {
		r.Register(m)
	}
	return r
}

// Register adds or replaces a model.
func (r *Registry) Register(m Model) {
	r.mu.Lock()
	r.models[m.Name()] = m
	r.mu.Unlock()
}

// Lookup returns the model registered under name.
func (r *Registry) Lookup(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Names returns the registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
