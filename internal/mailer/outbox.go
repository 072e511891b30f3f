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

package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/queue"
	"github.com/bcem/mailgate/internal/store"
)

// OutboxStore is the part of the record store the outbox touches.
type OutboxStore interface {
	store.Mails
	store.Notifications
}

// Outbox sends stored outgoing mail and records the outcome on the mail
// and its email notifications.
type Outbox struct {
	store     OutboxStore
	transport Transport
	now       func() time.Time
	onResult  func(state models.MailState)
}

// NewOutbox creates an outbox.
func NewOutbox(st OutboxStore, transport Transport) *Outbox {
	return &Outbox{store: st, transport: transport, now: time.Now}
}

// OnResult registers a callback invoked with the final state of each send.
func (o *Outbox) OnResult(fn func(state models.MailState)) {
	o.onResult = fn
}

// SendMailTask is the queue payload for deferred sends.
type SendMailTask struct {
	MailID int64 `json:"mail_id"`
}

// Send delivers one stored mail. Already sent mail is skipped. Permanent
// rejections mark the mail and its notifications as exception and are not
// returned as errors; transient failures are returned so queued sends retry.
func (o *Outbox) Send(ctx context.Context, mailID int64) error {
	m, err := o.store.GetMail(ctx, mailID)
	if err != nil {
		return fmt.Errorf("load mail %d: %w", mailID, err)
	}
	if m.State == models.MailSent {
		return nil
	}

	from, rcpts, err := Envelope(m)
	if err == nil {
		var raw []byte
		raw, err = Compose(m, o.now())
		if err == nil {
			err = o.transport.Send(ctx, from, rcpts, raw)
		}
	}
	if err != nil {
		if markErr := o.mark(ctx, m, models.MailException, models.NotificationException, err.Error()); markErr != nil {
			return errors.Join(err, markErr)
		}
		slog.Warn("outgoing mail failed",
			"mail_id", m.ID,
			"message_id", m.MessageID,
			"error", err,
		)
		if IsPermanent(err) {
			return nil
		}
		return err
	}

	if err := o.mark(ctx, m, models.MailSent, models.NotificationSent, ""); err != nil {
		return err
	}
	slog.Info("outgoing mail sent",
		"mail_id", m.ID,
		"message_id", m.MessageID,
		"recipients", len(rcpts),
	)
	return nil
}

func (o *Outbox) mark(ctx context.Context, m *models.OutgoingMail, state models.MailState, status models.NotificationStatus, reason string) error {
	if err := o.store.UpdateMailState(ctx, m.ID, state, reason); err != nil {
		return fmt.Errorf("update mail %d state: %w", m.ID, err)
	}
	failure := ""
	if status == models.NotificationException {
		failure = "mail_smtp"
	}
	if err := o.store.SetMailNotificationStatus(ctx, m.ID, status, failure); err != nil {
		return fmt.Errorf("update notifications of mail %d: %w", m.ID, err)
	}
	if o.onResult != nil {
		o.onResult(state)
	}
	return nil
}

// HandleTask is the queue handler for queue.TaskSendMail.
func (o *Outbox) HandleTask(ctx context.Context, task *queue.Task) error {
	var p SendMailTask
	if err := task.Decode(&p); err != nil {
		slog.Error("bad send-mail task", "task_id", task.ID, "error", err)
		return nil
	}
	if err := o.Send(ctx, p.MailID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
