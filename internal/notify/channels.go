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

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"golang.org/x/text/language"

	"github.com/bcem/mailgate/internal/mailer"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/push"
	"github.com/bcem/mailgate/internal/queue"
	"github.com/bcem/mailgate/internal/render"
)

const defaultLang = "en"

// canonicalLang normalizes partner language codes ("fr_BE", "fr-be") so
// recipients sharing a language share a rendered body.
func canonicalLang(lang string) string {
	if lang == "" {
		return defaultLang
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return defaultLang
	}
	return tag.String()
}

type emailGroup struct {
	lang       string
	group      models.RecipientGroup
	recipients []models.Recipient
}

// groupEmail buckets recipients by language and recipient group, in a
// stable order.
func groupEmail(recipients []models.Recipient) []emailGroup {
	index := make(map[string]int)
	var groups []emailGroup
	for _, r := range recipients {
		lang := canonicalLang(r.Lang)
		key := lang + "/" + string(r.Group)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, emailGroup{lang: lang, group: r.Group})
		}
		groups[i].recipients = append(groups[i].recipients, r)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].lang != groups[j].lang {
			return groups[i].lang < groups[j].lang
		}
		return groups[i].group < groups[j].group
	})
	return groups
}

func (n *Notifier) notifyEmail(ctx context.Context, msg *models.Message, recipients []models.Recipient, opts Options) ([]int64, int, error) {
	recipients = withEmail(recipients)
	if opts.Resend {
		var err error
		recipients, err = n.skipAlreadyEmailed(ctx, msg.ID, recipients)
		if err != nil {
			return nil, 0, err
		}
	}
	if len(recipients) == 0 {
		return nil, 0, nil
	}

	recordName, authorName := n.names(ctx, msg)
	from := msg.EmailFrom
	if n.cfg.From != "" {
		from = parser.FormatAddress(authorName, n.cfg.From)
	}
	subject := msg.Subject
	if subject == "" {
		subject = recordName
	}

	var mailIDs []int64
	for _, g := range groupEmail(recipients) {
		body, err := n.deps.Renderer.Render(render.NotificationLayout, map[string]any{
			"lang":        g.lang,
			"group":       string(g.group),
			"body":        msg.Body,
			"subject":     subject,
			"author_name": authorName,
			"record_name": recordName,
			"record_url":  n.recordURL(msg),
		})
		if err != nil {
			return mailIDs, 0, fmt.Errorf("render notification: %w", err)
		}

		for start := 0; start < len(g.recipients); start += n.cfg.BatchSize {
			end := min(start+n.cfg.BatchSize, len(g.recipients))
			chunk := g.recipients[start:end]

			mail := &models.OutgoingMail{
				MailMessageID: msg.ID,
				MessageID:     msg.MessageID,
				Subject:       subject,
				BodyHTML:      body,
				EmailFrom:     from,
				ReplyTo:       n.cfg.ReplyTo,
				Headers: map[string]string{
					"X-Mailgate-Model":  msg.Model,
					"X-Mailgate-Res-Id": fmt.Sprint(msg.ResID),
				},
				State: models.MailOutgoing,
			}
			for _, r := range chunk {
				mail.EmailTo = append(mail.EmailTo, parser.FormatAddress(r.Name, r.Email))
				mail.RecipientIDs = append(mail.RecipientIDs, r.PartnerID)
			}
			if parent := n.parentMessageID(ctx, msg); parent != "" {
				mail.InReplyTo = parent
				mail.References = parent
			}

			id, err := n.deps.Store.CreateMail(ctx, mail)
			if err != nil {
				return mailIDs, 0, fmt.Errorf("create notification mail: %w", err)
			}
			rows := make([]models.Notification, 0, len(chunk))
			for _, r := range chunk {
				rows = append(rows, models.Notification{
					MailMessageID: msg.ID,
					PartnerID:     r.PartnerID,
					Type:          models.ChannelEmail,
					Status:        models.NotificationReady,
					MailID:        id,
				})
			}
			if err := n.deps.Store.CreateNotifications(ctx, rows); err != nil {
				return mailIDs, 0, fmt.Errorf("create email notifications: %w", err)
			}
			mailIDs = append(mailIDs, id)
		}
	}

	sendNow := len(recipients) < n.cfg.ForceSendLimit && !n.cfg.TestMode
	if n.deps.MailQueue == nil {
		sendNow = true
	}
	var errs []error
	for _, id := range mailIDs {
		var err error
		if sendNow {
			err = opts.Work.Defer(ctx, "send mail", func(ctx context.Context) error {
				return n.deps.Mail.Send(ctx, id)
			})
		} else {
			err = opts.Work.Defer(ctx, "enqueue mail", func(ctx context.Context) error {
				_, err := n.deps.MailQueue.Publish(ctx, queue.TaskSendMail, mailer.SendMailTask{MailID: id})
				return err
			})
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	slog.Debug("email notifications prepared",
		"message_id", msg.MessageID,
		"recipients", len(recipients),
		"mails", len(mailIDs),
		"send_now", sendNow,
	)
	return mailIDs, len(recipients), errors.Join(errs...)
}

func withEmail(recipients []models.Recipient) []models.Recipient {
	out := recipients[:0:0]
	for _, r := range recipients {
		if r.Email == "" {
			slog.Debug("recipient has no email", "partner_id", r.PartnerID)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (n *Notifier) skipAlreadyEmailed(ctx context.Context, messageID int64, recipients []models.Recipient) ([]models.Recipient, error) {
	existing, err := n.deps.Store.ListNotifications(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	done := make(map[int64]bool)
	for _, row := range existing {
		if row.Type == models.ChannelEmail {
			done[row.PartnerID] = true
		}
	}
	out := recipients[:0:0]
	for _, r := range recipients {
		if !done[r.PartnerID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// names returns the record display name and the author name, best effort.
func (n *Notifier) names(ctx context.Context, msg *models.Message) (string, string) {
	recordName := fmt.Sprintf("%s #%d", msg.Model, msg.ResID)
	if rec, err := n.deps.Store.GetRecord(ctx, msg.Model, msg.ResID); err == nil && rec.Name != "" {
		recordName = rec.Name
	}
	authorName := ""
	if msg.AuthorID != 0 {
		if ps, err := n.deps.Store.GetPartners(ctx, []int64{msg.AuthorID}); err == nil && len(ps) > 0 {
			authorName = ps[0].Name
		}
	}
	if authorName == "" {
		if addrs := parser.SplitAddresses(msg.EmailFrom); len(addrs) > 0 {
			authorName = addrs[0].Name
		}
	}
	return recordName, authorName
}

func (n *Notifier) parentMessageID(ctx context.Context, msg *models.Message) string {
	if msg.ParentID == 0 {
		return ""
	}
	parent, err := n.deps.Store.GetMessage(ctx, msg.ParentID)
	if err != nil {
		return ""
	}
	return parent.MessageID
}

func (n *Notifier) recordURL(msg *models.Message) string {
	if n.cfg.BaseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("model", msg.Model)
	q.Set("res_id", fmt.Sprint(msg.ResID))
	return n.cfg.BaseURL + "/mail/view?" + q.Encode()
}

// pushTargets excludes the author and, for non-comment messages, partners
// already reached through their inbox.
func pushTargets(msg *models.Message, recipients []models.Recipient) []int64 {
	var ids []int64
	for _, r := range recipients {
		if r.PartnerID == msg.AuthorID {
			continue
		}
		if msg.MessageType != models.MessageComment && r.Channel == models.ChannelInbox {
			continue
		}
		ids = append(ids, r.PartnerID)
	}
	return ids
}

func (n *Notifier) notifyPush(ctx context.Context, msg *models.Message, recipients []models.Recipient, opts Options) (int, error) {
	if n.deps.Push == nil {
		return 0, nil
	}
	ids := pushTargets(msg, recipients)
	if len(ids) == 0 {
		return 0, nil
	}
	devices, err := n.deps.Store.ListPushDevices(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("list push devices: %w", err)
	}
	if len(devices) == 0 {
		return 0, nil
	}

	recordName, authorName := n.names(ctx, msg)
	title := recordName
	if authorName != "" {
		title = authorName + " - " + recordName
	}
	payload, err := push.Encode(push.Payload{
		Title:     title,
		Body:      mailer.HTMLToText(msg.Body),
		Model:     msg.Model,
		ResID:     msg.ResID,
		MessageID: msg.ID,
	}, n.cfg.PushPayloadLimit)
	if err != nil {
		slog.Warn("push payload skipped", "message_id", msg.MessageID, "devices", len(devices), "error", err)
		return 0, nil
	}

	if len(devices) < n.cfg.PushDeviceCutoff || n.deps.PushQueue == nil {
		err = opts.Work.Defer(ctx, "send push", func(ctx context.Context) error {
			var errs []error
			for _, dev := range devices {
				if err := n.deps.Push.Deliver(ctx, dev, payload); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
		return len(devices), err
	}

	err = opts.Work.Defer(ctx, "enqueue push", func(ctx context.Context) error {
		var errs []error
		for _, dev := range devices {
			if _, err := n.deps.PushQueue.Publish(ctx, queue.TaskPush, push.Task{Device: dev, Payload: payload}); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return len(devices), err
}

// FlushScheduled runs every scheduled notification due at now and removes
// it. It returns how many were sent.
func (n *Notifier) FlushScheduled(ctx context.Context, now time.Time) (int, error) {
	due, err := n.deps.Store.DueScheduledNotifications(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}
	sent := 0
	var errs []error
	for _, sn := range due {
		msg, err := n.deps.Store.GetMessage(ctx, sn.MailMessageID)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduled %d: %w", sn.ID, err))
			continue
		}
		if _, err := n.Notify(ctx, msg, Options{PartnerIDs: sn.PartnerIDs, NotifyAuthor: sn.NotifyAuthor}); err != nil {
			errs = append(errs, fmt.Errorf("scheduled %d: %w", sn.ID, err))
			continue
		}
		if err := n.deps.Store.DeleteScheduledNotification(ctx, sn.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete scheduled %d: %w", sn.ID, err))
			continue
		}
		sent++
	}
	if sent > 0 {
		slog.Info("scheduled notifications sent", "count", sent)
	}
	return sent, errors.Join(errs...)
}
