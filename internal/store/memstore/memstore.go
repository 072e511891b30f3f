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

// Package memstore is an in-memory store.Store used by tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/store"
)

// Store keeps every table in maps guarded by one mutex. Thread locks are
// separate per-record channels so they can be held across store calls.
type Store struct {
	mu sync.Mutex

	nextID int64

	records       map[string]map[int64]*models.Record
	messages      []*models.Message
	aliases       []*models.Alias
	partners      map[int64]*models.Partner
	followers     map[string][]models.Follower
	notifications []*models.Notification
	mails         map[int64]*models.OutgoingMail
	devices       map[int64]*models.PushDevice
	scheduled     map[int64]*models.ScheduledNotification
	attachments   map[int64]*models.StoredAttachment

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	// Now is the clock used for created_at stamps.
	Now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		records:     make(map[string]map[int64]*models.Record),
		partners:    make(map[int64]*models.Partner),
		followers:   make(map[string][]models.Follower),
		mails:       make(map[int64]*models.OutgoingMail),
		devices:     make(map[int64]*models.PushDevice),
		scheduled:   make(map[int64]*models.ScheduledNotification),
		attachments: make(map[int64]*models.StoredAttachment),
		locks:       make(map[string]chan struct{}),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func threadKey(model string, id int64) string {
	return fmt.Sprintf("%s/%d", model, id)
}

// --- seeding helpers ---

// AddPartner inserts a partner and returns its id.
func (s *Store) AddPartner(p models.Partner) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.partners[p.ID] = &p
	return p.ID
}

// Partner returns a copy of a partner.
func (s *Store) Partner(id int64) (models.Partner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[id]
	if !ok {
		return models.Partner{}, false
	}
	return *p, true
}

// AddAlias inserts an alias and returns its id.
func (s *Store) AddAlias(a models.Alias) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	if a.Status == "" {
		a.Status = models.AliasValid
	}
	if a.ContactPolicy == "" {
		a.ContactPolicy = models.ContactEveryone
	}
	s.aliases = append(s.aliases, &a)
	return a.ID
}

// Alias returns a copy of an alias.
func (s *Store) Alias(id int64) (models.Alias, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.aliases {
		if a.ID == id {
			return *a, true
		}
	}
	return models.Alias{}, false
}

// AddPushDevice registers a push endpoint and returns its id.
func (s *Store) AddPushDevice(d models.PushDevice) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.id()
	}
	s.devices[d.ID] = &d
	return d.ID
}

// Records returns every record of a model ordered by id.
func (s *Store) Records(model string) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Record
	for _, r := range s.records[model] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Messages returns every posted message in creation order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

// Mails returns every outgoing mail ordered by id.
func (s *Store) Mails() []models.OutgoingMail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutgoingMail, 0, len(s.mails))
	for _, m := range s.mails {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Notifications returns every notification row.
func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, *n)
	}
	return out
}

// PushDeviceCount returns the number of registered devices.
func (s *Store) PushDeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// ScheduledCount returns the number of pending scheduled notifications.
func (s *Store) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// --- messages ---

func (s *Store) MessageIDExists(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FindMessagesByMessageIDs(_ context.Context, ids []string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if want[s.messages[i].MessageID] {
			out = append(out, *s.messages[i])
		}
	}
	return out, nil
}

func (s *Store) GetMessage(_ context.Context, id int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateMessage(_ context.Context, m *models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.Now()
	}
	cp := *m
	s.messages = append(s.messages, &cp)
	return m.ID, nil
}

func (s *Store) FirstThreadMessage(_ context.Context, model string, resID int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Model == model && m.ResID == resID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CountMessagesFrom(_ context.Context, model, email string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = store.NormalizeEmail(email)
	n := 0
	for _, m := range s.messages {
		if m.Model == model && !m.CreatedAt.Before(since) && store.NormalizeEmail(m.EmailFrom) == email {
			n++
		}
	}
	return n, nil
}

// --- records ---

func (s *Store) RecordExists(_ context.Context, model string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[model][id]
	return ok, nil
}

func (s *Store) GetRecord(_ context.Context, model string, id int64) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[model][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) CreateRecord(_ context.Context, r *models.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.Now()
	}
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	if s.records[r.Model] == nil {
		s.records[r.Model] = make(map[int64]*models.Record)
	}
	cp := *r
	s.records[r.Model][r.ID] = &cp
	return r.ID, nil
}

// PutRecord inserts a record with a caller-chosen id.
func (s *Store) PutRecord(r models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.Now()
	}
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	if s.records[r.Model] == nil {
		s.records[r.Model] = make(map[int64]*models.Record)
	}
	if r.ID >= s.nextID {
		s.nextID = r.ID
	}
	s.records[r.Model][r.ID] = &r
}

func (s *Store) UpdateRecord(_ context.Context, model string, id int64, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[model][id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range values {
		r.Values[k] = v
	}
	return nil
}

func (s *Store) CountRecordsCreatedBy(_ context.Context, model, email string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = store.NormalizeEmail(email)
	n := 0
	for _, r := range s.records[model] {
		if !r.CreatedAt.Before(since) && store.NormalizeEmail(r.EmailFrom) == email {
			n++
		}
	}
	return n, nil
}

// --- aliases ---

func (s *Store) ListAliases(_ context.Context) ([]models.Alias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Alias, 0, len(s.aliases))
	for _, a := range s.aliases {
		out = append(out, *a)
	}
	return out, nil
}

func (s *Store) SetAliasStatus(_ context.Context, id int64, status models.AliasStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.aliases {
		if a.ID == id {
			a.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

// --- partners ---

func (s *Store) FindPartnersByEmail(_ context.Context, emails []string) ([]models.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(emails))
	for _, e := range emails {
		if n := store.NormalizeEmail(e); n != "" {
			want[n] = true
		}
	}
	var out []models.Partner
	for _, p := range s.partners {
		if want[strings.ToLower(p.Email)] {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].UserID != 0) != (out[j].UserID != 0) {
			return out[i].UserID != 0
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetPartners(_ context.Context, ids []int64) ([]models.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Partner
	for _, id := range ids {
		if p, ok := s.partners[id]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) IncrementBounce(_ context.Context, partnerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[partnerID]
	if !ok {
		return store.ErrNotFound
	}
	p.MessageBounce++
	return nil
}

// --- followers ---

func (s *Store) ListFollowers(_ context.Context, model string, resID int64) ([]models.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.followers[threadKey(model, resID)]
	out := make([]models.Follower, len(src))
	copy(out, src)
	return out, nil
}

func (s *Store) AddFollowers(_ context.Context, model string, resID int64, partnerIDs []int64, subtypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := threadKey(model, resID)
	existing := make(map[int64]bool)
	for _, f := range s.followers[key] {
		existing[f.PartnerID] = true
	}
	for _, pid := range partnerIDs {
		if existing[pid] {
			continue
		}
		existing[pid] = true
		s.followers[key] = append(s.followers[key], models.Follower{
			Model:     model,
			ResID:     resID,
			PartnerID: pid,
			Subtypes:  append([]string(nil), subtypes...),
		})
	}
	return nil
}

// --- notifications ---

func (s *Store) CreateNotifications(_ context.Context, rows []models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range rows {
		n.ID = s.id()
		cp := n
		s.notifications = append(s.notifications, &cp)
	}
	return nil
}

func (s *Store) ListNotifications(_ context.Context, mailMessageID int64) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.MailMessageID == mailMessageID {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (s *Store) MarkNotificationsBounced(_ context.Context, messageIDs, partnerIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		msgs[id] = true
	}
	partners := make(map[int64]bool, len(partnerIDs))
	for _, id := range partnerIDs {
		partners[id] = true
	}
	n := 0
	for _, row := range s.notifications {
		if row.Type != models.ChannelEmail || !msgs[row.MailMessageID] {
			continue
		}
		if len(partners) > 0 && !partners[row.PartnerID] {
			continue
		}
		row.Status = models.NotificationBounce
		row.FailureType = models.FailureMailBounce
		n++
	}
	return n, nil
}

func (s *Store) SetMailNotificationStatus(_ context.Context, mailID int64, status models.NotificationStatus, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.notifications {
		if row.MailID != mailID || row.Status == models.NotificationBounce || row.Status == models.NotificationCanceled {
			continue
		}
		row.Status = status
		row.FailureType = failure
	}
	return nil
}

// --- outgoing mail ---

func (s *Store) CreateMail(_ context.Context, m *models.OutgoingMail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id()
	if m.State == "" {
		m.State = models.MailOutgoing
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.Now()
	}
	cp := *m
	s.mails[m.ID] = &cp
	return m.ID, nil
}

func (s *Store) GetMail(_ context.Context, id int64) (*models.OutgoingMail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mails[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateMailState(_ context.Context, id int64, state models.MailState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mails[id]
	if !ok {
		return store.ErrNotFound
	}
	m.State = state
	m.FailureReason = reason
	return nil
}

// --- push devices ---

func (s *Store) ListPushDevices(_ context.Context, partnerIDs []int64) ([]models.PushDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(partnerIDs))
	for _, id := range partnerIDs {
		want[id] = true
	}
	var out []models.PushDevice
	for _, d := range s.devices {
		if want[d.PartnerID] {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeletePushDevice(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

// --- scheduled notifications ---

func (s *Store) CreateScheduledNotification(_ context.Context, sn *models.ScheduledNotification) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn.ID = s.id()
	cp := *sn
	s.scheduled[sn.ID] = &cp
	return sn.ID, nil
}

func (s *Store) DueScheduledNotifications(_ context.Context, now time.Time) ([]models.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledNotification
	for _, sn := range s.scheduled {
		if !sn.ScheduledAt.After(now) {
			out = append(out, *sn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *Store) DeleteScheduledNotification(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled, id)
	return nil
}

// --- attachments ---

func (s *Store) CreateAttachment(_ context.Context, a *models.StoredAttachment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.id()
	cp := *a
	s.attachments[a.ID] = &cp
	return a.ID, nil
}

// --- locking ---

func (s *Store) LockThread(ctx context.Context, model string, id int64) (func(), error) {
	key := threadKey(model, id)
	s.locksMu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
