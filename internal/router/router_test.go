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

package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/bcem/mailgate/internal/dedup"
	"github.com/bcem/mailgate/internal/guard"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/render"
	"github.com/bcem/mailgate/internal/store/memstore"
	"github.com/bcem/mailgate/internal/thread"
)

const domain = "ours.example.com"

func newRouter(t *testing.T) (*Router, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	r, err := render.New("")
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	g := guard.New(guard.Config{Domain: domain, BounceAlias: "bounce", CatchallAlias: "catchall"}, st, dedup.NewMemory(0), r, nil, nil)
	reg := thread.NewRegistry(
		thread.NewRecordModel(st, thread.RecordModelConfig{Name: "helpdesk.ticket", Creatable: true, Updatable: true}),
		thread.NewRecordModel(st, thread.RecordModelConfig{Name: "crm.lead", Creatable: true}),
		thread.NewRecordModel(st, thread.RecordModelConfig{Name: "res.archive"}),
	)
	return New(st, reg, g), st
}

func envelope(to string) *models.Envelope {
	return &models.Envelope{
		MessageID:  "<in@remote>",
		From:       "Jane <jane@remote.example>",
		To:         to,
		Recipients: to,
		Subject:    "Hello",
	}
}

// TestRoute_ReplyToExistingThread verifies a reply resolves to exactly the
// thread of the referenced message.
func TestRoute_ReplyToExistingThread(t *testing.T) {
	rt, st := newRouter(t)
	ctx := context.Background()
	st.PutRecord(models.Record{Model: "helpdesk.ticket", ID: 42, Name: "Ticket #3"})
	parentID, _ := st.CreateMessage(ctx, &models.Message{MessageID: "<abc@x>", Model: "helpdesk.ticket", ResID: 42, AuthorID: 9, Subtype: models.SubtypeNote})

	env := envelope("someone@" + domain)
	env.Subject = "Re: Ticket #3"
	env.InReplyTo = "<abc@x>"
	env.ReferenceIDs = []string{"<abc@x>"}

	plan, err := rt.Route(ctx, env, Options{UserID: 7})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	want := []models.Route{{Model: "helpdesk.ticket", ThreadID: 42, Defaults: map[string]any{}, UserID: 7}}
	if !reflect.DeepEqual(plan.Routes, want) {
		t.Errorf("routes = %+v, want %+v", plan.Routes, want)
	}
	if plan.ParentID != parentID || !plan.ParentInternal || plan.ParentAuthorID != 9 {
		t.Errorf("parent = %d internal=%v author=%d", plan.ParentID, plan.ParentInternal, plan.ParentAuthorID)
	}
}

// TestRoute_ReplyBecomesForward verifies a reply addressed to another
// model's alias is routed to that alias.
func TestRoute_ReplyBecomesForward(t *testing.T) {
	rt, st := newRouter(t)
	ctx := context.Background()
	st.PutRecord(models.Record{Model: "helpdesk.ticket", ID: 42})
	_, _ = st.CreateMessage(ctx, &models.Message{MessageID: "<abc@x>", Model: "helpdesk.ticket", ResID: 42})
	st.AddAlias(models.Alias{Name: "sales", Domain: domain, Model: "crm.lead", UserID: 3})

	env := envelope("sales@" + domain)
	env.ReferenceIDs = []string{"<abc@x>"}
	plan, err := rt.Route(ctx, env, Options{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(plan.Routes) != 1 || plan.Routes[0].Model != "crm.lead" || !plan.Routes[0].IsNew() || plan.Routes[0].UserID != 3 {
		t.Errorf("routes = %+v", plan.Routes)
	}
	if plan.ParentID != 0 {
		t.Errorf("forward kept parent %d", plan.ParentID)
	}
}

// TestRoute_ReplyKeepsSameModelAlias verifies an alias on the reply model
// supplies the acting user.
func TestRoute_ReplyKeepsSameModelAlias(t *testing.T) {
	rt, st := newRouter(t)
	ctx := context.Background()
	st.PutRecord(models.Record{Model: "helpdesk.ticket", ID: 42})
	_, _ = st.CreateMessage(ctx, &models.Message{MessageID: "<abc@x>", Model: "helpdesk.ticket", ResID: 42})
	st.AddAlias(models.Alias{Name: "support", Model: "helpdesk.ticket", UserID: 5})

	env := envelope("support@" + domain)
	env.ReferenceIDs = []string{"<abc@x>"}
	plan, err := rt.Route(ctx, env, Options{UserID: 1})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(plan.Routes) != 1 || plan.Routes[0].ThreadID != 42 || plan.Routes[0].UserID != 5 || plan.Routes[0].Alias == nil {
		t.Errorf("routes = %+v", plan.Routes)
	}
}

// TestRoute_AliasMatching verifies full-address and bare local-part aliases.
func TestRoute_AliasMatching(t *testing.T) {
	rt, st := newRouter(t)
	st.AddAlias(models.Alias{Name: "support", Model: "helpdesk.ticket", Defaults: map[string]any{"team": "L1"}})
	st.AddAlias(models.Alias{Name: "sales", Domain: domain, Model: "crm.lead"})

	tests := []struct {
		to     string
		models []string
	}{
		{"support@anything.example", []string{"helpdesk.ticket"}},
		{"Sales@" + strings.ToUpper(domain), []string{"crm.lead"}},
		{"support@" + domain + ", sales@" + domain, []string{"helpdesk.ticket", "crm.lead"}},
	}
	for _, tt := range tests {
		t.Run(tt.to, func(t *testing.T) {
			plan, err := rt.Route(context.Background(), envelope(tt.to), Options{})
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			var got []string
			for _, r := range plan.Routes {
				got = append(got, r.Model)
			}
			if !reflect.DeepEqual(got, tt.models) {
				t.Errorf("models = %v, want %v", got, tt.models)
			}
		})
	}

	if _, err := rt.Route(context.Background(), envelope("sales@elsewhere.example"), Options{}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("domain alias matched a foreign domain: %v", err)
	}
	plan, _ := rt.Route(context.Background(), envelope("support@x.example"), Options{})
	if plan.Routes[0].Defaults["team"] != "L1" {
		t.Errorf("defaults = %v", plan.Routes[0].Defaults)
	}
}

// TestRoute_CatchallOnlyBounces verifies mail written only to the
// catch-all yields no route and one bounce referencing it.
func TestRoute_CatchallOnlyBounces(t *testing.T) {
	rt, st := newRouter(t)
	plan, err := rt.Route(context.Background(), envelope("catchall@"+domain), Options{FallbackModel: "crm.lead"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !plan.Empty() || !plan.Bounced {
		t.Errorf("plan = %+v", plan)
	}
	mails := st.Mails()
	if len(mails) != 1 || mails[0].References != "<in@remote>" {
		t.Fatalf("bounces = %+v", mails)
	}
	if !strings.Contains(mails[0].MessageID, guard.LoopMarker) {
		t.Errorf("bounce id = %q", mails[0].MessageID)
	}
}

// TestRoute_Fallback verifies the caller's model catches unaddressed mail.
func TestRoute_Fallback(t *testing.T) {
	rt, _ := newRouter(t)
	plan, err := rt.Route(context.Background(), envelope("nobody@"+domain), Options{FallbackModel: "crm.lead", UserID: 2})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(plan.Routes) != 1 || plan.Routes[0].Model != "crm.lead" || plan.Routes[0].UserID != 2 {
		t.Errorf("routes = %+v", plan.Routes)
	}
}

// TestRoute_CatchallWithUnroutable verifies the late catch-all bounce.
func TestRoute_CatchallWithUnroutable(t *testing.T) {
	rt, st := newRouter(t)
	env := envelope("nobody@" + domain)
	env.Recipients = "nobody@" + domain + ", catchall@" + domain
	plan, err := rt.Route(context.Background(), env, Options{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !plan.Bounced || len(st.Mails()) != 1 {
		t.Errorf("plan = %+v, mails = %d", plan, len(st.Mails()))
	}
}

// TestRoute_NoRoute verifies unroutable mail is an error.
func TestRoute_NoRoute(t *testing.T) {
	rt, _ := newRouter(t)
	_, err := rt.Route(context.Background(), envelope("nobody@"+domain), Options{})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}

// TestRoute_BounceAndLoopReply verifies both short-circuits produce no routes.
func TestRoute_BounceAndLoopReply(t *testing.T) {
	rt, st := newRouter(t)
	st.AddAlias(models.Alias{Name: "support", Model: "helpdesk.ticket"})

	env := envelope("support@" + domain)
	env.From = "MAILER-DAEMON@mx.example"
	env.Bounce = &models.BounceInfo{Email: "x@example.com"}
	plan, err := rt.Route(context.Background(), env, Options{})
	if err != nil || !plan.Bounced || !plan.Empty() {
		t.Errorf("bounce plan = %+v, %v", plan, err)
	}

	env = envelope("support@" + domain)
	env.References = "<1-" + guard.LoopMarker + "@" + domain + ">"
	plan, err = rt.Route(context.Background(), env, Options{})
	if err != nil || !plan.Ignored || !plan.Empty() {
		t.Errorf("loop reply plan = %+v, %v", plan, err)
	}
	if len(st.Records("helpdesk.ticket")) != 0 {
		t.Error("record created")
	}
}

// TestValidateRoute_FallsBackToCreation verifies a missing target becomes
// a new thread.
func TestValidateRoute_FallsBackToCreation(t *testing.T) {
	rt, _ := newRouter(t)
	verdict, route, err := rt.ValidateRoute(context.Background(), envelope("x@y"), &models.Plan{},
		models.Route{Model: "helpdesk.ticket", ThreadID: 999}, Options{}, true)
	if err != nil || verdict != Accepted || route.ThreadID != 0 {
		t.Errorf("verdict = %v, route = %+v, err = %v", verdict, route, err)
	}
}

// TestRoute_InvalidModelWarning verifies read-only models raise a warning
// unless best effort is requested.
func TestRoute_InvalidModelWarning(t *testing.T) {
	rt, st := newRouter(t)
	st.AddAlias(models.Alias{Name: "archive", Model: "res.archive"})

	_, err := rt.Route(context.Background(), envelope("archive@"+domain), Options{})
	var warn *RouteWarning
	if !errors.As(err, &warn) || warn.Model != "res.archive" {
		t.Fatalf("err = %v, want RouteWarning", err)
	}
	plan, err := rt.Route(context.Background(), envelope("archive@"+domain), Options{BestEffort: true})
	if err != nil || !plan.Empty() {
		t.Errorf("best effort: plan = %+v, err = %v", plan, err)
	}
}

// TestRoute_ContactPolicy verifies follower and partner policies.
func TestRoute_ContactPolicy(t *testing.T) {
	rt, st := newRouter(t)
	ctx := context.Background()
	jane := st.AddPartner(models.Partner{Name: "Jane", Email: "jane@remote.example", Active: true})
	st.PutRecord(models.Record{Model: "helpdesk.ticket", ID: 5, Name: "Project"})
	st.AddAlias(models.Alias{
		Name: "vip", Model: "helpdesk.ticket", ContactPolicy: models.ContactFollowers,
		ParentModel: "helpdesk.ticket", ParentThreadID: 5,
	})
	st.AddAlias(models.Alias{Name: "known", Model: "crm.lead", ContactPolicy: models.ContactPartners, BounceMessage: "<p>Go away {{ sender }}</p>"})

	plan, err := rt.Route(ctx, envelope("vip@"+domain), Options{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !plan.Empty() || len(st.Mails()) != 1 {
		t.Fatalf("non-follower accepted: %+v", plan)
	}
	if !strings.Contains(st.Mails()[0].BodyHTML, "Only followers") {
		t.Errorf("bounce body = %s", st.Mails()[0].BodyHTML)
	}

	_ = st.AddFollowers(ctx, "helpdesk.ticket", 5, []int64{jane}, []string{models.SubtypeComment})
	plan, err = rt.Route(ctx, envelope("vip@"+domain), Options{})
	if err != nil || len(plan.Routes) != 1 {
		t.Fatalf("follower refused: %+v, %v", plan, err)
	}

	env := envelope("known@" + domain)
	env.From = "stranger@remote.example"
	plan, err = rt.Route(ctx, env, Options{})
	if err != nil || !plan.Empty() {
		t.Fatalf("stranger accepted: %+v, %v", plan, err)
	}
	mails := st.Mails()
	if got := mails[len(mails)-1].BodyHTML; got != "<p>Go away stranger@remote.example</p>" {
		t.Errorf("custom bounce = %q", got)
	}
}

// TestRoute_MissingAliasParent verifies the alias is invalidated and the
// sender bounced.
func TestRoute_MissingAliasParent(t *testing.T) {
	rt, st := newRouter(t)
	st.AddPartner(models.Partner{Name: "Jane", Email: "jane@remote.example", Active: true})
	id := st.AddAlias(models.Alias{
		Name: "proj", Model: "helpdesk.ticket", ContactPolicy: models.ContactFollowers,
		ParentModel: "helpdesk.ticket", ParentThreadID: 77,
	})
	plan, err := rt.Route(context.Background(), envelope("proj@"+domain), Options{})
	if err != nil || !plan.Empty() {
		t.Fatalf("plan = %+v, err = %v", plan, err)
	}
	if a, _ := st.Alias(id); a.Status != models.AliasInvalid {
		t.Errorf("alias status = %q", a.Status)
	}
	if len(st.Mails()) != 1 || !strings.Contains(st.Mails()[0].BodyHTML, "not attached") {
		t.Errorf("bounce = %+v", st.Mails())
	}
}

// TestRoute_InvalidAliasStillMatches verifies an alias marked invalid routes
// again once its configuration is repaired.
func TestRoute_InvalidAliasStillMatches(t *testing.T) {
	rt, st := newRouter(t)
	ctx := context.Background()
	st.AddPartner(models.Partner{Name: "Jane", Email: "jane@remote.example", Active: true})
	st.PutRecord(models.Record{Model: "helpdesk.ticket", ID: 77, Name: "Project"})
	id := st.AddAlias(models.Alias{
		Name: "proj", Model: "helpdesk.ticket", ContactPolicy: models.ContactPartners,
		ParentModel: "helpdesk.ticket", ParentThreadID: 77,
	})
	if err := st.SetAliasStatus(ctx, id, models.AliasInvalid); err != nil {
		t.Fatal(err)
	}

	plan, err := rt.Route(ctx, envelope("proj@"+domain), Options{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(plan.Routes) != 1 || plan.Routes[0].Alias == nil || plan.Routes[0].Alias.ID != id {
		t.Errorf("plan = %+v", plan)
	}
}
