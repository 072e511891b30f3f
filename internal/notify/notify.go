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

// Package notify fans a posted message out to its recipients over the
// inbox, email and push channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/mailgate/internal/bus"
	"github.com/bcem/mailgate/internal/metrics"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/push"
	"github.com/bcem/mailgate/internal/store"
	"github.com/bcem/mailgate/internal/uow"
)

// Store is the part of the record store the notifier reads and writes.
type Store interface {
	store.Messages
	store.Records
	store.Partners
	store.Followers
	store.Notifications
	store.Mails
	store.PushDevices
	store.Scheduled
}

// Renderer renders the notification layout.
type Renderer interface {
	Render(name string, data map[string]any) (string, error)
}

// MailSender sends a stored outgoing mail now.
type MailSender interface {
	Send(ctx context.Context, mailID int64) error
}

// Enqueuer publishes deferred work.
type Enqueuer interface {
	Publish(ctx context.Context, taskType string, payload any) (string, error)
}

// PushDeliverer sends a payload to one device.
type PushDeliverer interface {
	Deliver(ctx context.Context, dev models.PushDevice, payload []byte) error
}

// Config holds fan-out limits and addressing.
type Config struct {
	BatchSize        int
	ForceSendLimit   int
	PushDeviceCutoff int
	PushPayloadLimit int
	// TestMode defers every email to the queue.
	TestMode bool
	// From overrides the sender of notification mail when set.
	From string
	// ReplyTo is where replies to notification mail are routed.
	ReplyTo string
	BaseURL string
}

// Deps are the notifier collaborators. Bus, Push, MailQueue and PushQueue
// are optional.
type Deps struct {
	Store     Store
	Renderer  Renderer
	Mail      MailSender
	MailQueue Enqueuer
	Bus       bus.Publisher
	Push      PushDeliverer
	PushQueue Enqueuer
	Metrics   *metrics.Metrics
}

// Options tunes one Notify call.
type Options struct {
	// PartnerIDs are notified in addition to msg.PartnerIDs and followers.
	PartnerIDs []int64
	// NotifyAuthor keeps the author among the recipients.
	NotifyAuthor bool
	// ScheduledAt defers the fan-out when in the future.
	ScheduledAt time.Time
	// Resend skips partners that already have an email notification.
	Resend bool
	// Work receives post-processing side effects. Nil runs them inline.
	Work *uow.Work
}

// Result summarizes one fan-out.
type Result struct {
	Recipients []models.Recipient
	Scheduled  bool
	MailIDs    []int64
	Inbox      int
	Email      int
	Push       int
}

// Notifier computes recipients and dispatches channels.
type Notifier struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates a Notifier.
func New(cfg Config, deps Deps) *Notifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ForceSendLimit <= 0 {
		cfg.ForceSendLimit = 100
	}
	if cfg.PushDeviceCutoff <= 0 {
		cfg.PushDeviceCutoff = 5
	}
	if cfg.PushPayloadLimit <= 0 {
		cfg.PushPayloadLimit = push.MaxPayloadBytes
	}
	return &Notifier{cfg: cfg, deps: deps, now: time.Now}
}

// Notify fans msg out. A future ScheduledAt persists a scheduled
// notification instead. Channels run independently; the first channel
// error is returned after all channels finish.
func (n *Notifier) Notify(ctx context.Context, msg *models.Message, opts Options) (*Result, error) {
	if !opts.ScheduledAt.IsZero() && opts.ScheduledAt.After(n.now()) {
		_, err := n.deps.Store.CreateScheduledNotification(ctx, &models.ScheduledNotification{
			MailMessageID: msg.ID,
			ScheduledAt:   opts.ScheduledAt.UTC(),
			PartnerIDs:    opts.PartnerIDs,
			NotifyAuthor:  opts.NotifyAuthor,
		})
		if err != nil {
			return nil, fmt.Errorf("schedule notification: %w", err)
		}
		slog.Info("notification scheduled", "message_id", msg.MessageID, "at", opts.ScheduledAt)
		return &Result{Scheduled: true}, nil
	}

	recipients, err := n.Recipients(ctx, msg, opts)
	if err != nil {
		return nil, err
	}
	res := &Result{Recipients: recipients}
	if len(recipients) == 0 {
		return res, nil
	}

	var inbox, email []models.Recipient
	for _, r := range recipients {
		switch r.Channel {
		case models.ChannelInbox:
			inbox = append(inbox, r)
		case models.ChannelEmail:
			email = append(email, r)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		sent, err := n.notifyInbox(ctx, msg, inbox, opts)
		res.Inbox = sent
		return err
	})
	g.Go(func() error {
		ids, sent, err := n.notifyEmail(ctx, msg, email, opts)
		res.MailIDs, res.Email = ids, sent
		return err
	})
	g.Go(func() error {
		sent, err := n.notifyPush(ctx, msg, recipients, opts)
		res.Push = sent
		return err
	})
	err = g.Wait()

	n.deps.Metrics.Notified(string(models.ChannelInbox), res.Inbox)
	n.deps.Metrics.Notified(string(models.ChannelEmail), res.Email)
	n.deps.Metrics.Notified(string(models.ChannelPush), res.Push)
	return res, err
}

// Recipients returns who is notified of msg and on which channel:
// explicit partners plus followers of the subtype (internal subtypes only
// reach internal users), without the author unless requested and without
// inactive partners.
func (n *Notifier) Recipients(ctx context.Context, msg *models.Message, opts Options) ([]models.Recipient, error) {
	explicit := make(map[int64]bool)
	for _, id := range append(append([]int64{}, msg.PartnerIDs...), opts.PartnerIDs...) {
		explicit[id] = true
	}

	followers, err := n.deps.Store.ListFollowers(ctx, msg.Model, msg.ResID)
	if err != nil {
		return nil, fmt.Errorf("list followers of %s/%d: %w", msg.Model, msg.ResID, err)
	}
	following := make(map[int64]bool)
	for _, f := range followers {
		if f.Follows(msg.Subtype) {
			following[f.PartnerID] = true
		}
	}

	ids := make([]int64, 0, len(explicit)+len(following))
	for id := range explicit {
		ids = append(ids, id)
	}
	for id := range following {
		if !explicit[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	partners, err := n.deps.Store.GetPartners(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	internal := msg.IsInternal()
	out := make([]models.Recipient, 0, len(partners))
	for _, p := range partners {
		if !p.Active {
			continue
		}
		if p.ID == msg.AuthorID && !opts.NotifyAuthor {
			continue
		}
		if !explicit[p.ID] && internal && !p.IsInternalUser() {
			continue
		}
		out = append(out, recipientFor(p, following[p.ID]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartnerID < out[j].PartnerID })
	return out, nil
}

func recipientFor(p models.Partner, isFollower bool) models.Recipient {
	r := models.Recipient{
		PartnerID:  p.ID,
		Name:       p.Name,
		Email:      p.Email,
		Lang:       p.Lang,
		Channel:    models.ChannelEmail,
		IsFollower: isFollower,
		Share:      p.Share,
		UserID:     p.UserID,
		Active:     p.Active,
	}
	if p.UserID != 0 && p.NotificationType == models.NotifyInbox {
		r.Channel = models.ChannelInbox
	}
	switch {
	case p.IsInternalUser():
		r.Group = models.GroupUser
	case p.UserID != 0 && p.Share:
		r.Group = models.GroupPortal
	case isFollower:
		r.Group = models.GroupFollower
	default:
		r.Group = models.GroupCustomer
	}
	return r
}

func (n *Notifier) notifyInbox(ctx context.Context, msg *models.Message, recipients []models.Recipient, opts Options) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	rows := make([]models.Notification, 0, len(recipients))
	for _, r := range recipients {
		rows = append(rows, models.Notification{
			MailMessageID: msg.ID,
			PartnerID:     r.PartnerID,
			Type:          models.ChannelInbox,
			Status:        models.NotificationSent,
		})
	}
	if err := n.deps.Store.CreateNotifications(ctx, rows); err != nil {
		return 0, fmt.Errorf("create inbox notifications: %w", err)
	}
	if n.deps.Bus == nil {
		return len(rows), nil
	}

	payload := map[string]any{
		"message_id": msg.ID,
		"model":      msg.Model,
		"res_id":     msg.ResID,
		"subject":    msg.Subject,
	}
	err := opts.Work.Defer(ctx, "bus inbox events", func(ctx context.Context) error {
		var errs []error
		for _, r := range recipients {
			ev, err := bus.NewEvent(bus.EventInbox, r.PartnerID, payload)
			if err == nil {
				err = n.deps.Bus.Publish(ctx, ev)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return len(rows), err
}
