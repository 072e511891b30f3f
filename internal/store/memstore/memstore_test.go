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

package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/store"
)

// TestFindPartnersByEmail verifies formatted addresses match case-insensitively
// and user partners sort first.
func TestFindPartnersByEmail(t *testing.T) {
	s := New()
	customer := s.AddPartner(models.Partner{Name: "Jane", Email: "jane@example.com"})
	employee := s.AddPartner(models.Partner{Name: "Jane (staff)", Email: "jane@example.com", UserID: 7})
	s.AddPartner(models.Partner{Name: "Bob", Email: "bob@example.com"})

	got, err := s.FindPartnersByEmail(context.Background(), []string{`"Jane" <JANE@Example.com>`, ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != employee || got[1].ID != customer {
		t.Errorf("partners = %+v", got)
	}
}

// TestMessages verifies lookups by Message-Id and the per-sender count window.
func TestMessages(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	old := &models.Message{MessageID: "<a@x>", Model: "helpdesk.ticket", ResID: 1, EmailFrom: "Jane <jane@example.com>", CreatedAt: now.Add(-2 * time.Hour)}
	if _, err := s.CreateMessage(ctx, old); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"<b@x>", "<c@x>"} {
		if _, err := s.CreateMessage(ctx, &models.Message{MessageID: id, Model: "helpdesk.ticket", ResID: 1, EmailFrom: "jane@example.com"}); err != nil {
			t.Fatal(err)
		}
	}

	if ok, _ := s.MessageIDExists(ctx, "<b@x>"); !ok {
		t.Error("stored message id not found")
	}
	if ok, _ := s.MessageIDExists(ctx, "<zzz@x>"); ok {
		t.Error("unknown message id reported as existing")
	}

	found, _ := s.FindMessagesByMessageIDs(ctx, []string{"<a@x>", "<c@x>"})
	if len(found) != 2 || found[0].MessageID != "<c@x>" {
		t.Errorf("found = %+v, want newest first", found)
	}

	first, err := s.FirstThreadMessage(ctx, "helpdesk.ticket", 1)
	if err != nil || first.MessageID != "<a@x>" {
		t.Errorf("first = %+v, %v", first, err)
	}
	if _, err := s.FirstThreadMessage(ctx, "helpdesk.ticket", 2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	n, _ := s.CountMessagesFrom(ctx, "helpdesk.ticket", "JANE@example.com", now.Add(-time.Hour))
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

// TestRecords verifies creation, update and the created-by count.
func TestRecords(t *testing.T) {
	s := New()
	ctx := context.Background()
	id, err := s.CreateRecord(ctx, &models.Record{Model: "crm.lead", Name: "Quote", EmailFrom: "jane@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateRecord(ctx, "crm.lead", id, map[string]any{"stage": "won"}); err != nil {
		t.Fatal(err)
	}
	r, err := s.GetRecord(ctx, "crm.lead", id)
	if err != nil || r.Values["stage"] != "won" {
		t.Errorf("record = %+v, %v", r, err)
	}
	if err := s.UpdateRecord(ctx, "crm.lead", id+100, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	s.PutRecord(models.Record{Model: "crm.lead", ID: 50})
	if next, _ := s.CreateRecord(ctx, &models.Record{Model: "crm.lead"}); next <= 50 {
		t.Errorf("id after PutRecord = %d, want > 50", next)
	}

	n, _ := s.CountRecordsCreatedBy(ctx, "crm.lead", "jane@example.com", time.Time{})
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

// TestAliases verifies defaults applied on insert and status updates.
func TestAliases(t *testing.T) {
	s := New()
	id := s.AddAlias(models.Alias{Name: "support", Model: "helpdesk.ticket"})
	a, ok := s.Alias(id)
	if !ok || a.Status != models.AliasValid || a.ContactPolicy != models.ContactEveryone {
		t.Fatalf("alias = %+v", a)
	}
	if err := s.SetAliasStatus(context.Background(), id, models.AliasInvalid); err != nil {
		t.Fatal(err)
	}
	if a, _ := s.Alias(id); a.Status != models.AliasInvalid {
		t.Errorf("status = %q", a.Status)
	}
	if err := s.SetAliasStatus(context.Background(), 999, models.AliasValid); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestFollowers verifies followers are added once.
func TestFollowers(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.AddFollowers(ctx, "helpdesk.ticket", 1, []int64{3, 4}, []string{"comment"})
	_ = s.AddFollowers(ctx, "helpdesk.ticket", 1, []int64{4, 5}, nil)
	got, _ := s.ListFollowers(ctx, "helpdesk.ticket", 1)
	if len(got) != 3 {
		t.Fatalf("followers = %+v", got)
	}
	if !got[0].Follows("comment") {
		t.Error("first follower should keep its subtypes")
	}
}

// TestMarkNotificationsBounced verifies only email rows of the given
// messages and partners are marked, and later status updates skip them.
func TestMarkNotificationsBounced(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateNotifications(ctx, []models.Notification{
		{MailMessageID: 1, PartnerID: 10, Type: models.ChannelEmail, Status: models.NotificationReady, MailID: 100},
		{MailMessageID: 1, PartnerID: 11, Type: models.ChannelEmail, Status: models.NotificationReady, MailID: 100},
		{MailMessageID: 1, PartnerID: 10, Type: models.ChannelInbox, Status: models.NotificationReady},
		{MailMessageID: 2, PartnerID: 10, Type: models.ChannelEmail, Status: models.NotificationReady},
	})

	n, err := s.MarkNotificationsBounced(ctx, []int64{1}, []int64{10})
	if err != nil || n != 1 {
		t.Fatalf("marked = %d, %v", n, err)
	}

	_ = s.SetMailNotificationStatus(ctx, 100, models.NotificationSent, "")
	rows, _ := s.ListNotifications(ctx, 1)
	want := map[int64]models.NotificationStatus{10: models.NotificationBounce, 11: models.NotificationSent}
	for _, r := range rows {
		if r.Type != models.ChannelEmail {
			if r.Status != models.NotificationReady {
				t.Errorf("inbox row changed: %+v", r)
			}
			continue
		}
		if r.Status != want[r.PartnerID] {
			t.Errorf("partner %d status = %q, want %q", r.PartnerID, r.Status, want[r.PartnerID])
		}
	}
}

// TestScheduledNotifications verifies only due rows are returned, oldest first.
func TestScheduledNotifications(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	late, _ := s.CreateScheduledNotification(ctx, &models.ScheduledNotification{MailMessageID: 1, ScheduledAt: now.Add(-time.Minute)})
	early, _ := s.CreateScheduledNotification(ctx, &models.ScheduledNotification{MailMessageID: 2, ScheduledAt: now.Add(-time.Hour)})
	_, _ = s.CreateScheduledNotification(ctx, &models.ScheduledNotification{MailMessageID: 3, ScheduledAt: now.Add(time.Hour)})

	due, _ := s.DueScheduledNotifications(ctx, now)
	if len(due) != 2 || due[0].ID != early || due[1].ID != late {
		t.Fatalf("due = %+v", due)
	}
	_ = s.DeleteScheduledNotification(ctx, early)
	if s.ScheduledCount() != 2 {
		t.Errorf("scheduled = %d, want 2", s.ScheduledCount())
	}
}

// TestLockThread verifies a held lock blocks until released or ctx ends.
func TestLockThread(t *testing.T) {
	s := New()
	unlock, err := s.LockThread(context.Background(), "helpdesk.ticket", 1)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.LockThread(ctx, "helpdesk.ticket", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	other, err := s.LockThread(context.Background(), "helpdesk.ticket", 2)
	if err != nil {
		t.Fatalf("other thread: %v", err)
	}
	other()

	unlock()
	again, err := s.LockThread(context.Background(), "helpdesk.ticket", 1)
	if err != nil {
		t.Fatalf("after unlock: %v", err)
	}
	again()
}
