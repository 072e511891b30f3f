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

package guard

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bcem/mailgate/internal/dedup"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/render"
	"github.com/bcem/mailgate/internal/store/memstore"
	"github.com/bcem/mailgate/internal/uow"
)

type fakeSender struct{ ids []int64 }

func (f *fakeSender) Send(_ context.Context, id int64) error {
	f.ids = append(f.ids, id)
	return nil
}

func newGuard(t *testing.T) (*Guard, *memstore.Store, *fakeSender) {
	t.Helper()
	r, err := render.New("")
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	st := memstore.New()
	sender := &fakeSender{}
	g := New(Config{
		Domain:        "ours.example.com",
		BounceAlias:   "bounce",
		CatchallAlias: "catchall",
		CompanyName:   "Acme",
		LoopWindow:    2 * time.Hour,
		LoopThreshold: 3,
	}, st, dedup.NewMemory(0), r, sender, nil)
	return g, st, sender
}

// TestIsBounce verifies each bounce signal.
func TestIsBounce(t *testing.T) {
	g, _, _ := newGuard(t)
	tests := []struct {
		name string
		env  models.Envelope
		want bool
	}{
		{"bounce alias", models.Envelope{To: "bounce@ours.example.com", From: "a@x"}, true},
		{"bounce alias suffix", models.Envelope{To: "x@y, Bounce+12-ticket-4@ours.example.com", From: "a@x"}, true},
		{"mailer daemon", models.Envelope{To: "support@ours.example.com", From: "MAILER-DAEMON@mx.example.com"}, true},
		{"report", models.Envelope{To: "support@ours.example.com", From: "a@x", ContentType: "multipart/report"}, true},
		{"plain mail", models.Envelope{To: "support@ours.example.com", From: "a@x", ContentType: "text/plain"}, false},
		{"bounced lookalike", models.Envelope{To: "bouncer@ours.example.com", From: "a@x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.IsBounce(&tt.env); got != tt.want {
				t.Errorf("IsBounce = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestIsLoopReply verifies replies to our bounces are recognized.
func TestIsLoopReply(t *testing.T) {
	if !IsLoopReply(&models.Envelope{References: "<a@x> <1-loop-detection-bounce-email@ours>"}) {
		t.Error("References marker not detected")
	}
	if !IsLoopReply(&models.Envelope{InReplyTo: "<1-loop-detection-bounce-email@ours>"}) {
		t.Error("In-Reply-To marker not detected")
	}
	if IsLoopReply(&models.Envelope{References: "<a@x>"}) {
		t.Error("plain reply flagged")
	}
}

// TestHandleBounce_MarksNotifications verifies the bounced partner's rows
// are flagged, other partners are untouched, and a redelivery is a no-op.
func TestHandleBounce_MarksNotifications(t *testing.T) {
	g, st, _ := newGuard(t)
	ctx := context.Background()
	gone := st.AddPartner(models.Partner{Name: "Gone", Email: "gone@example.com", Active: true})
	other := st.AddPartner(models.Partner{Name: "Other", Email: "other@example.com", Active: true})
	msgID, err := st.CreateMessage(ctx, &models.Message{MessageID: "<orig@ours>", Model: "helpdesk.ticket", ResID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateNotifications(ctx, []models.Notification{
		{MailMessageID: msgID, PartnerID: gone, Type: models.ChannelEmail, Status: models.NotificationSent},
		{MailMessageID: msgID, PartnerID: other, Type: models.ChannelEmail, Status: models.NotificationSent},
	}); err != nil {
		t.Fatal(err)
	}

	env := &models.Envelope{
		MessageID: "<dsn1@mx>",
		Bounce: &models.BounceInfo{
			Email:              "Gone@Example.com",
			OriginalMessageIDs: []string{"<orig@ours>", "<root@ours>"},
		},
	}
	res, err := g.HandleBounce(ctx, env)
	if err != nil {
		t.Fatalf("HandleBounce: %v", err)
	}
	if res.Marked != 1 || len(res.PartnerIDs) != 1 || res.PartnerIDs[0] != gone {
		t.Errorf("result = %+v", res)
	}
	if p, _ := st.Partner(gone); p.MessageBounce != 1 {
		t.Errorf("bounce counter = %d", p.MessageBounce)
	}
	for _, n := range st.Notifications() {
		bounced := n.Status == models.NotificationBounce && n.FailureType == models.FailureMailBounce
		if bounced != (n.PartnerID == gone) {
			t.Errorf("notification %+v", n)
		}
	}
	if len(st.Records("helpdesk.ticket")) != 0 {
		t.Error("bounce created a record")
	}

	again, err := g.HandleBounce(ctx, env)
	if err != nil || !again.Duplicate {
		t.Errorf("second HandleBounce = %+v, %v", again, err)
	}
	if p, _ := st.Partner(gone); p.MessageBounce != 1 {
		t.Errorf("duplicate bounce counted: %d", p.MessageBounce)
	}
}

// TestHandleBounce_UnknownAddress verifies a bounce for an address with no
// partner leaves every notification untouched.
func TestHandleBounce_UnknownAddress(t *testing.T) {
	g, st, _ := newGuard(t)
	ctx := context.Background()
	p := st.AddPartner(models.Partner{Name: "P", Email: "p@example.com", Active: true})
	msgID, _ := st.CreateMessage(ctx, &models.Message{MessageID: "<orig@ours>"})
	_ = st.CreateNotifications(ctx, []models.Notification{{MailMessageID: msgID, PartnerID: p, Type: models.ChannelEmail}})

	res, err := g.HandleBounce(ctx, &models.Envelope{
		MessageID: "<dsn2@mx>",
		Bounce:    &models.BounceInfo{Email: "stranger@example.com", OriginalMessageIDs: []string{"<orig@ours>"}},
	})
	if err != nil {
		t.Fatalf("HandleBounce: %v", err)
	}
	if res.Marked != 0 {
		t.Errorf("marked = %d", res.Marked)
	}
}

// TestBounce_ReplyHeaders verifies the synthesized reply is addressed to
// Return-Path, references the original and carries the loop marker.
func TestBounce_ReplyHeaders(t *testing.T) {
	g, st, sender := newGuard(t)
	work := &uow.Work{}
	env := &models.Envelope{
		MessageID:  "<in1@remote>",
		Subject:    "Hello",
		From:       "Bob <bob@remote.example>",
		ReturnPath: "bounces@remote.example",
		To:         "catchall@ours.example.com",
		Body:       "<p>hi</p>",
	}
	mail, err := g.Bounce(context.Background(), env, render.BounceCatchall, nil, work)
	if err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if mail.Subject != "Re: Hello" || mail.References != "<in1@remote>" {
		t.Errorf("mail = %+v", mail)
	}
	if len(mail.EmailTo) != 1 || mail.EmailTo[0] != "bounces@remote.example" {
		t.Errorf("EmailTo = %v", mail.EmailTo)
	}
	if mail.EmailFrom != `"Acme" <bounce@ours.example.com>` {
		t.Errorf("EmailFrom = %q", mail.EmailFrom)
	}
	if !strings.Contains(mail.MessageID, LoopMarker) {
		t.Errorf("MessageID = %q", mail.MessageID)
	}
	if !strings.Contains(mail.BodyHTML, "catchall@ours.example.com") || !strings.Contains(mail.BodyHTML, "Acme") {
		t.Errorf("body = %s", mail.BodyHTML)
	}
	if len(st.Mails()) != 1 || len(sender.ids) != 0 {
		t.Fatalf("mails = %d, sent early = %v", len(st.Mails()), sender.ids)
	}
	if err := work.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sender.ids) != 1 || sender.ids[0] != mail.ID {
		t.Errorf("sent = %v", sender.ids)
	}

	reply := &models.Envelope{InReplyTo: mail.MessageID}
	if !IsLoopReply(reply) {
		t.Error("reply to bounce not detected as loop reply")
	}
}

func seedRecords(st *memstore.Store, model, sender string, n int) {
	for i := 0; i < n; i++ {
		st.PutRecord(models.Record{Model: model, ID: int64(1000 + i), Name: fmt.Sprint(i), EmailFrom: sender})
	}
}

// TestDetectLoop_RejectsAtThreshold verifies the route after the threshold
// is rejected with exactly one bounce per window.
func TestDetectLoop_RejectsAtThreshold(t *testing.T) {
	g, st, _ := newGuard(t)
	ctx := context.Background()
	env := &models.Envelope{MessageID: "<l1@x>", From: "Robot <robot@remote.example>", Subject: "auto"}
	plan := &models.Plan{Routes: []models.Route{{Model: "helpdesk.ticket"}}}

	seedRecords(st, "helpdesk.ticket", "robot@remote.example", 2)
	loop, err := g.DetectLoop(ctx, env, plan, nil)
	if err != nil || loop {
		t.Fatalf("below threshold: loop = %v, err = %v", loop, err)
	}

	st.PutRecord(models.Record{Model: "helpdesk.ticket", ID: 2000, EmailFrom: "robot@remote.example"})
	loop, err = g.DetectLoop(ctx, env, plan, nil)
	if err != nil || !loop {
		t.Fatalf("at threshold: loop = %v, err = %v", loop, err)
	}
	loop, err = g.DetectLoop(ctx, &models.Envelope{MessageID: "<l2@x>", From: "robot@remote.example"}, plan, nil)
	if err != nil || !loop {
		t.Fatalf("second: loop = %v, err = %v", loop, err)
	}
	mails := st.Mails()
	if len(mails) != 1 {
		t.Fatalf("bounces = %d, want 1", len(mails))
	}
	if !strings.Contains(mails[0].BodyHTML, "helpdesk.ticket") {
		t.Errorf("body = %s", mails[0].BodyHTML)
	}
}

// TestDetectLoop_CountsMessagesOnUpdates verifies messages only count when
// the plan updates existing records, and old activity is ignored.
func TestDetectLoop_CountsMessagesOnUpdates(t *testing.T) {
	g, st, _ := newGuard(t)
	ctx := context.Background()
	old := time.Now().Add(-3 * time.Hour)
	for i := 0; i < 3; i++ {
		_, _ = st.CreateMessage(ctx, &models.Message{Model: "helpdesk.ticket", ResID: 1, EmailFrom: "robot@remote.example"})
		_, _ = st.CreateMessage(ctx, &models.Message{Model: "helpdesk.ticket", ResID: 1, EmailFrom: "old@remote.example", CreatedAt: old})
	}
	env := &models.Envelope{From: "robot@remote.example"}

	loop, err := g.DetectLoop(ctx, env, &models.Plan{Routes: []models.Route{{Model: "helpdesk.ticket"}}}, nil)
	if err != nil || loop {
		t.Errorf("new-record plan: loop = %v, err = %v", loop, err)
	}
	loop, err = g.DetectLoop(ctx, env, &models.Plan{Routes: []models.Route{{Model: "helpdesk.ticket", ThreadID: 1}}}, nil)
	if err != nil || !loop {
		t.Errorf("update plan: loop = %v, err = %v", loop, err)
	}
	loop, err = g.DetectLoop(ctx, &models.Envelope{From: "old@remote.example"}, &models.Plan{Routes: []models.Route{{Model: "helpdesk.ticket", ThreadID: 1}}}, nil)
	if err != nil || loop {
		t.Errorf("expired activity: loop = %v, err = %v", loop, err)
	}
}

// TestAddresses verifies bounce and catch-all address matching.
func TestAddresses(t *testing.T) {
	g, _, _ := newGuard(t)
	if !g.IsCatchallAddress("Catchall@Ours.Example.com") {
		t.Error("catch-all not matched")
	}
	if g.IsCatchallAddress("catchall@elsewhere.example") {
		t.Error("foreign domain matched catch-all")
	}
	if g.CatchallAddress() != "catchall@ours.example.com" {
		t.Errorf("CatchallAddress = %q", g.CatchallAddress())
	}
}
