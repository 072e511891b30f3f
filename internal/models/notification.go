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

package models

import "time"

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelInbox Channel = "inbox"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// RecipientGroup classifies recipients for email layout rendering.
type RecipientGroup string

const (
	GroupUser     RecipientGroup = "user"     // internal users
	GroupPortal   RecipientGroup = "portal"   // share users
	GroupFollower RecipientGroup = "follower" // followers without an account
	GroupCustomer RecipientGroup = "customer" // everyone else
)

// Recipient describes how one partner is notified of one message.
type Recipient struct {
	PartnerID  int64          `json:"partner_id"`
	Name       string         `json:"name"`
	Email      string         `json:"email"`
	Lang       string         `json:"lang,omitempty"`
	Channel    Channel        `json:"channel"`
	IsFollower bool           `json:"is_follower"`
	Share      bool           `json:"share"`
	UserID     int64          `json:"user_id,omitempty"`
	Active     bool           `json:"active"`
	Group      RecipientGroup `json:"group"`
}

// NotificationStatus tracks a notification row through delivery.
type NotificationStatus string

const (
	NotificationReady     NotificationStatus = "ready"
	NotificationSent      NotificationStatus = "sent"
	NotificationBounce    NotificationStatus = "bounce"
	NotificationException NotificationStatus = "exception"
	NotificationCanceled  NotificationStatus = "canceled"
)

// FailureMailBounce marks notifications whose email bounced.
const FailureMailBounce = "mail_bounce"

// Notification is one partner being notified of one message on one channel.
type Notification struct {
	ID            int64              `json:"id"`
	MailMessageID int64              `json:"mail_message_id"`
	PartnerID     int64              `json:"partner_id"`
	Type          Channel            `json:"type"`
	Status        NotificationStatus `json:"status"`
	FailureType   string             `json:"failure_type,omitempty"`
	MailID        int64              `json:"mail_id,omitempty"`
	Read          bool               `json:"read"`
}

// MailState is the lifecycle state of an outgoing mail.
type MailState string

const (
	MailOutgoing  MailState = "outgoing"
	MailSent      MailState = "sent"
	MailException MailState = "exception"
)

// OutgoingMail is an email waiting to be (or already) sent.
type OutgoingMail struct {
	ID            int64             `json:"id"`
	MailMessageID int64             `json:"mail_message_id,omitempty"`
	MessageID     string            `json:"message_id"`
	Subject       string            `json:"subject"`
	BodyHTML      string            `json:"body_html"`
	EmailFrom     string            `json:"email_from"`
	EmailTo       []string          `json:"email_to"`
	RecipientIDs  []int64           `json:"recipient_ids,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	References    string            `json:"references,omitempty"`
	InReplyTo     string            `json:"in_reply_to,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	State         MailState         `json:"state"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// PushDevice is a browser endpoint registered for web push.
type PushDevice struct {
	ID        int64  `json:"id"`
	PartnerID int64  `json:"partner_id"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
}

// ScheduledNotification defers the fan-out of a message.
type ScheduledNotification struct {
	ID            int64     `json:"id"`
	MailMessageID int64     `json:"mail_message_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	PartnerIDs    []int64   `json:"partner_ids,omitempty"`
	NotifyAuthor  bool      `json:"notify_author,omitempty"`
}
