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

package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/bcem/mailgate/internal/blob"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/notify"
	"github.com/bcem/mailgate/internal/store/memstore"
	"github.com/bcem/mailgate/internal/thread"
)

type fakeNotifier struct {
	msgs []*models.Message
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, msg *models.Message, _ notify.Options) (*notify.Result, error) {
	f.msgs = append(f.msgs, msg)
	return &notify.Result{}, f.err
}

// brokenModel refuses to create threads.
type brokenModel struct{}

func (brokenModel) Name() string                                { return "broken" }
func (brokenModel) Exists(context.Context, int64) (bool, error) { return false, nil }
func (brokenModel) MessageNew(context.Context, *models.Envelope, map[string]any, int64) (int64, error) {
	return 0, errors.New("required field missing")
}

func newDispatcher(t *testing.T) (*Dispatcher, *memstore.Store, *fakeNotifier) {
	t.Helper()
	st := memstore.New()
	reg := thread.NewRegistry(
		thread.NewRecordModel(st, thread.RecordModelConfig{Name: "helpdesk.ticket", Creatable: true, Updatable: true}),
		thread.NewRecordModel(st, thread.RecordModelConfig{Name: "crm.lead", Creatable: true, CreationSubtype: "lead_created"}),
		brokenModel{},
	)
	n := &fakeNotifier{}
	return New(st, reg, thread.NewPoster(st, blob.NewMemory()), n, nil), st, n
}

func envelope() *models.Envelope {
	return &models.Envelope{
		MessageID:  "<in@remote>",
		From:       "Jane <jane@remote.example>",
		To:         "support@ours.example.com",
		Recipients: "support@ours.example.com, Bob <bob@example.com>",
		Subject:    "Printer on fire",
		Body:       "<p>help</p>",
	}
}

// TestDispatch_CreatesThread verifies a new route creates the record from
// the subject and sender, posts a comment and subscribes the author.
func TestDispatch_CreatesThread(t *testing.T) {
	d, st, n := newDispatcher(t)
	ctx := context.Background()
	jane := st.AddPartner(models.Partner{Name: "Jane", Email: "jane@remote.example", Active: true})
	bob := st.AddPartner(models.Partner{Name: "Bob", Email: "bob@example.com", Active: true})

	plan := &models.Plan{AuthorID: jane, Routes: []models.Route{{Model: "helpdesk.ticket", Defaults: map[string]any{"team": "L1"}}}}
	dels, err := d.Dispatch(ctx, envelope(), plan, Options{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(dels) != 1 || !dels[0].Created || dels[0].Route.ThreadID == 0 {
		t.Fatalf("deliveries = %+v", dels)
	}
	recs := st.Records("helpdesk.ticket")
	if len(recs) != 1 || recs[0].Name != "Printer on fire" || recs[0].EmailFrom != "Jane <jane@remote.example>" || recs[0].Values["team"] != "L1" {
		t.Errorf("record = %+v", recs)
	}
	msg := dels[0].Message
	if msg.Subtype != models.SubtypeComment || msg.AuthorID != jane || msg.MessageType != models.MessageEmail {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.PartnerIDs) != 1 || msg.PartnerIDs[0] != bob {
		t.Errorf("partners = %v", msg.PartnerIDs)
	}
	followers, _ := st.ListFollowers(ctx, "helpdesk.ticket", recs[0].ID)
	if len(followers) != 1 || followers[0].PartnerID != jane {
		t.Errorf("followers = %+v", followers)
	}
	if len(n.msgs) != 1 || n.msgs[0].ID != msg.ID {
		t.Errorf("notified = %+v", n.msgs)
	}
}

// TestDispatch_CreationSubtype verifies new threads use the model's
// opening subtype.
func TestDispatch_CreationSubtype(t *testing.T) {
	d, _, _ := newDispatcher(t)
	dels, err := d.Dispatch(context.Background(), envelope(), &models.Plan{Routes: []models.Route{{Model: "crm.lead"}}}, Options{NoSubscribe: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if dels[0].Message.Subtype != "lead_created" {
		t.Errorf("subtype = %q", dels[0].Message.Subtype)
	}
}

// TestDispatch_InternalReply verifies a reply to an internal note stays a
// note and reaches the note's author.
func TestDispatch_InternalReply(t *testing.T) {
	d, st, _ := newDispatcher(t)
	ctx := context.Background()
	st.PutRecord(models.Record{Model: "helpdesk.ticket", ID: 42})
	agent := st.AddPartner(models.Partner{Name: "Agent", Email: "agent@ours.example.com", Active: true, UserID: 3})
	parent, _ := st.CreateMessage(ctx, &models.Message{MessageID: "<note@ours>", Model: "helpdesk.ticket", ResID: 42, Subtype: models.SubtypeNote, AuthorID: agent})

	env := envelope()
	env.Recipients = env.To
	plan := &models.Plan{
		ParentID: parent, ParentInternal: true, ParentAuthorID: agent,
		Routes: []models.Route{{Model: "helpdesk.ticket", ThreadID: 42}},
	}
	dels, err := d.Dispatch(ctx, env, plan, Options{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	msg := dels[0].Message
	if dels[0].Created || msg.Subtype != models.SubtypeNote || msg.ParentID != parent {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.PartnerIDs) != 1 || msg.PartnerIDs[0] != agent {
		t.Errorf("partners = %v", msg.PartnerIDs)
	}
	rec, _ := st.GetRecord(ctx, "helpdesk.ticket", 42)
	if rec.Values["last_message_id"] != "<in@remote>" {
		t.Errorf("record values = %v", rec.Values)
	}
}

// TestDispatch_AliasCreationFailure verifies a failing alias model
// invalidates the alias and surfaces the error.
func TestDispatch_AliasCreationFailure(t *testing.T) {
	d, st, n := newDispatcher(t)
	id := st.AddAlias(models.Alias{Name: "broken", Model: "broken"})
	alias, _ := st.Alias(id)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := d.Dispatch(ctx, envelope(), &models.Plan{Routes: []models.Route{{Model: "broken", Alias: &alias}}}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if a, _ := st.Alias(id); a.Status != models.AliasInvalid {
		t.Errorf("alias status = %q", a.Status)
	}
	if len(n.msgs) != 0 {
		t.Error("notified despite failure")
	}
}

// TestDispatch_FallbackCreationFailure verifies fallback errors propagate
// without touching aliases.
func TestDispatch_FallbackCreationFailure(t *testing.T) {
	d, st, _ := newDispatcher(t)
	id := st.AddAlias(models.Alias{Name: "other", Model: "helpdesk.ticket"})
	if _, err := d.Dispatch(context.Background(), envelope(), &models.Plan{Routes: []models.Route{{Model: "broken"}}}, Options{}); err == nil {
		t.Fatal("expected error")
	}
	if a, _ := st.Alias(id); a.Status != models.AliasValid {
		t.Errorf("unrelated alias changed: %q", a.Status)
	}
}

// TestDispatch_EmptyPlan verifies nothing happens without routes.
func TestDispatch_EmptyPlan(t *testing.T) {
	d, st, _ := newDispatcher(t)
	dels, err := d.Dispatch(context.Background(), envelope(), &models.Plan{Bounced: true}, Options{})
	if err != nil || len(dels) != 0 || len(st.Messages()) != 0 {
		t.Errorf("deliveries = %v, err = %v", dels, err)
	}
}

// TestDispatch_NotifyFailureKeepsDelivery verifies a failing notification
// channel does not turn a stored message into a dispatch error.
func TestDispatch_NotifyFailureKeepsDelivery(t *testing.T) {
	d, st, n := newDispatcher(t)
	n.err = errors.New("render notification: boom")
	dels, err := d.Dispatch(context.Background(), envelope(), &models.Plan{Routes: []models.Route{{Model: "helpdesk.ticket"}}}, Options{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(dels) != 1 || len(st.Messages()) != 1 {
		t.Errorf("deliveries = %+v", dels)
	}
}

// TestDispatch_FailedRouteDoesNotStopOthers verifies the remaining routes
// are delivered when one route fails.
func TestDispatch_FailedRouteDoesNotStopOthers(t *testing.T) {
	d, st, _ := newDispatcher(t)
	plan := &models.Plan{Routes: []models.Route{{Model: "broken"}, {Model: "helpdesk.ticket"}, {Model: "crm.lead"}}}
	dels, err := d.Dispatch(context.Background(), envelope(), plan, Options{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(dels) != 2 || dels[0].Route.Model != "helpdesk.ticket" || dels[1].Route.Model != "crm.lead" {
		t.Errorf("deliveries = %+v", dels)
	}
	if len(st.Records("crm.lead")) != 1 {
		t.Error("route after the failing one was not delivered")
	}
}
