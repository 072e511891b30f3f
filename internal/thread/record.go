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

package thread

import (
	"context"
	"fmt"
	"strings"

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/store"
)

// RecordModelConfig describes a generic record model.
type RecordModelConfig struct {
	Name      string
	Creatable bool
	Updatable bool
	// NameField receives the subject of the opening message. Defaults to "name".
	NameField string
	// EmailField receives the sender of the opening message. Defaults to "email_from".
	EmailField string
	// Subtype of the opening message. Defaults to comment.
	CreationSubtype string
}

// recordModel stores threads in the generic records table.
type recordModel struct {
	cfg     RecordModelConfig
	records store.Records
}

// NewRecordModel returns a Model backed by records whose capabilities follow
// cfg.Creatable and cfg.Updatable.
func NewRecordModel(records store.Records, cfg RecordModelConfig) Model {
	if cfg.NameField == "" {
		cfg.NameField = "name"
	}
	if cfg.EmailField == "" {
		cfg.EmailField = "email_from"
	}
	if cfg.CreationSubtype == "" {
		cfg.CreationSubtype = models.SubtypeComment
	}
	base := &recordModel{cfg: cfg, records: records}
	switch {
	case cfg.Creatable && cfg.Updatable:
		return base
	case cfg.Creatable:
		return createOnly{base}
	case cfg.Updatable:
		return updateOnly{base}
	default:
		return readOnly{base}
	}
}

func (m *recordModel) Name() string { return m.cfg.Name }

func (m *recordModel) Exists(ctx context.Context, id int64) (bool, error) {
	return m.records.RecordExists(ctx, m.cfg.Name, id)
}

func (m *recordModel) CreationSubtype() string { return m.cfg.CreationSubtype }

// MessageNew creates a record named after the subject with the sender as
// its email. Alias defaults override both.
func (m *recordModel) MessageNew(ctx context.Context, env *models.Envelope, defaults map[string]any, userID int64) (int64, error) {
	values := make(map[string]any, len(defaults)+2)
	values[m.cfg.NameField] = subjectOrDefault(env.Subject)
	values[m.cfg.EmailField] = env.From
	for k, v := range defaults {
		values[k] = v
	}

	rec := &models.Record{
		Model:     m.cfg.Name,
		Name:      fmt.Sprint(values[m.cfg.NameField]),
		EmailFrom: fmt.Sprint(values[m.cfg.EmailField]),
		Values:    values,
		CreatedBy: userID,
	}
	id, err := m.records.CreateRecord(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("create %s from message: %w", m.cfg.Name, err)
	}
	return id, nil
}

// MessageUpdate stamps the record with the latest inbound message.
func (m *recordModel) MessageUpdate(ctx context.Context, id int64, env *models.Envelope, values map[string]any) error {
	update := make(map[string]any, len(values)+2)
	update["last_message_id"] = env.MessageID
	update["last_message_date"] = env.Date
	for k, v := range values {
		update[k] = v
	}
	if err := m.records.UpdateRecord(ctx, m.cfg.Name, id, update); err != nil {
		return fmt.Errorf("update %s/%d from message: %w", m.cfg.Name, id, err)
	}
	return nil
}

func subjectOrDefault(subject string) string {
	if s := strings.TrimSpace(subject); s != "" {
		return s
	}
	return "(no subject)"
}

// The wrappers below expose a subset of recordModel's capabilities.

type createOnly struct{ m *recordModel }

func (c createOnly) Name() string                                       { return c.m.Name() }
func (c createOnly) Exists(ctx context.Context, id int64) (bool, error) { return c.m.Exists(ctx, id) }
func (c createOnly) CreationSubtype() string                            { return c.m.CreationSubtype() }
func (c createOnly) MessageNew(ctx context.Context, env *models.Envelope, defaults map[string]any, userID int64) (int64, error) {
	return c.m.MessageNew(ctx, env, defaults, userID)
}

type updateOnly struct{ m *recordModel }

func (u updateOnly) Name() string                                       { return u.m.Name() }
func (u updateOnly) Exists(ctx context.Context, id int64) (bool, error) { return u.m.Exists(ctx, id) }
func (u updateOnly) MessageUpdate(ctx context.Context, id int64, env *models.Envelope, values map[string]any) error {
	return u.m.MessageUpdate(ctx, id, env, values)
}

type readOnly struct{ m *recordModel }

func (r readOnly) Name() string                                       { return r.m.Name() }
func (r readOnly) Exists(ctx context.Context, id int64) (bool, error) { return r.m.Exists(ctx, id) }
