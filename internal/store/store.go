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

// Package store defines the record store the gateway reads and mutates,
// split into the small interfaces each stage depends on.
package store

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/bcem/mailgate/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Messages stores posted messages.
type Messages interface {
	MessageIDExists(ctx context.Context, messageID string) (bool, error)
	// FindMessagesByMessageIDs returns stored messages whose RFC Message-Id
	// is in ids, newest first.
	FindMessagesByMessageIDs(ctx context.Context, ids []string) ([]models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	CreateMessage(ctx context.Context, m *models.Message) (int64, error)
	// FirstThreadMessage returns the oldest message posted on a record.
	FirstThreadMessage(ctx context.Context, model string, resID int64) (*models.Message, error)
	// CountMessagesFrom counts messages on model whose sender address is
	// email, created at or after since.
	CountMessagesFrom(ctx context.Context, model, email string, since time.Time) (int, error)
}

// Records stores the generic thread records.
type Records interface {
	RecordExists(ctx context.Context, model string, id int64) (bool, error)
	GetRecord(ctx context.Context, model string, id int64) (*models.Record, error)
	CreateRecord(ctx context.Context, r *models.Record) (int64, error)
	UpdateRecord(ctx context.Context, model string, id int64, values map[string]any) error
	// CountRecordsCreatedBy counts records of model whose email is email,
	// created at or after since.
	CountRecordsCreatedBy(ctx context.Context, model, email string, since time.Time) (int, error)
}

// Aliases is the alias directory. Writes are limited to status flips.
// ListAliases returns every alias whatever its Status.
type Aliases interface {
	ListAliases(ctx context.Context) ([]models.Alias, error)
	SetAliasStatus(ctx context.Context, id int64, status models.AliasStatus) error
}

// Partners stores contacts.
type Partners interface {
	FindPartnersByEmail(ctx context.Context, emails []string) ([]models.Partner, error)
	GetPartners(ctx context.Context, ids []int64) ([]models.Partner, error)
	IncrementBounce(ctx context.Context, partnerID int64) error
}

// Followers stores record subscriptions.
type Followers interface {
	ListFollowers(ctx context.Context, model string, resID int64) ([]models.Follower, error)
	// AddFollowers subscribes partners; existing followers are left unchanged.
	AddFollowers(ctx context.Context, model string, resID int64, partnerIDs []int64, subtypes []string) error
}

// Notifications stores per-partner notification rows.
type Notifications interface {
	CreateNotifications(ctx context.Context, rows []models.Notification) error
	ListNotifications(ctx context.Context, mailMessageID int64) ([]models.Notification, error)
	// MarkNotificationsBounced flags the email notifications of the given
	// messages as bounced. An empty partnerIDs matches every partner.
	MarkNotificationsBounced(ctx context.Context, messageIDs, partnerIDs []int64) (int, error)
	SetMailNotificationStatus(ctx context.Context, mailID int64, status models.NotificationStatus, failure string) error
}

// Mails stores outgoing mail.
type Mails interface {
	CreateMail(ctx context.Context, m *models.OutgoingMail) (int64, error)
	GetMail(ctx context.Context, id int64) (*models.OutgoingMail, error)
	UpdateMailState(ctx context.Context, id int64, state models.MailState, reason string) error
}

// PushDevices stores web push registrations.
type PushDevices interface {
	ListPushDevices(ctx context.Context, partnerIDs []int64) ([]models.PushDevice, error)
	DeletePushDevice(ctx context.Context, id int64) error
}

// Scheduled stores deferred notification fan-outs.
type Scheduled interface {
	CreateScheduledNotification(ctx context.Context, s *models.ScheduledNotification) (int64, error)
	DueScheduledNotifications(ctx context.Context, now time.Time) ([]models.ScheduledNotification, error)
	DeleteScheduledNotification(ctx context.Context, id int64) error
}

// Attachments stores attachment metadata; payloads live in blob storage.
type Attachments interface {
	CreateAttachment(ctx context.Context, a *models.StoredAttachment) (int64, error)
}

// Locker serializes writes on one record.
type Locker interface {
	// LockThread blocks until the record lock is held. The returned func
	// releases it.
	LockThread(ctx context.Context, model string, id int64) (func(), error)
}

// Store is the full record store.
type Store interface {
	Messages
	Records
	Aliases
	Partners
	Followers
	Notifications
	Mails
	PushDevices
	Scheduled
	Attachments
	Locker
}

// NormalizeEmail returns the lower-cased bare address of a formatted address.
func NormalizeEmail(formatted string) string {
	formatted = strings.TrimSpace(formatted)
	if formatted == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(formatted); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(formatted, "<"); i >= 0 {
		formatted = strings.TrimSuffix(formatted[i+1:], ">")
	}
	return strings.ToLower(strings.Trim(formatted, " \"'"))
}
