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

// MessageType classifies a posted message.
type MessageType string

const (
	MessageComment          MessageType = "comment"
	MessageNotification     MessageType = "notification"
	MessageAutoComment      MessageType = "auto_comment"
	MessageUserNotification MessageType = "user_notification"
	MessageEmail            MessageType = "email"
)

// Subtypes used by the gateway. A note is internal: it only reaches
// internal users.
const (
	SubtypeComment = "comment"
	SubtypeNote    = "note"
)

// IsInternalSubtype reports whether followers outside the company are skipped.
func IsInternalSubtype(subtype string) bool {
	return subtype == SubtypeNote
}

// Message is a posted unit of communication attached to a record.
type Message struct {
	ID            int64       `json:"id"`
	MessageID     string      `json:"message_id"`
	Model         string      `json:"model"`
	ResID         int64       `json:"res_id"`
	ParentID      int64       `json:"parent_id,omitempty"`
	AuthorID      int64       `json:"author_id,omitempty"`
	EmailFrom     string      `json:"email_from"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	Subject       string      `json:"subject"`
	Body          string      `json:"body"`
	MessageType   MessageType `json:"message_type"`
	Subtype       string      `json:"subtype,omitempty"`
	PartnerIDs    []int64     `json:"partner_ids,omitempty"`
	AttachmentIDs []int64     `json:"attachment_ids,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// IsInternal reports whether the message is an internal note.
func (m Message) IsInternal() bool {
	return IsInternalSubtype(m.Subtype) || m.MessageType == MessageUserNotification
}

// NotificationType is the partner preference for receiving messages.
type NotificationType string

const (
	NotifyInbox NotificationType = "inbox"
	NotifyEmail NotificationType = "email"
)

// Partner is a contact that can author or receive messages.
type Partner struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	Email            string           `json:"email"`
	Active           bool             `json:"active"`
	Lang             string           `json:"lang,omitempty"`
	UserID           int64            `json:"user_id,omitempty"`
	Share            bool             `json:"share"`
	NotificationType NotificationType `json:"notification_type,omitempty"`
	MessageBounce    int              `json:"message_bounce"`
}

// IsInternalUser reports whether the partner belongs to an employee account.
func (p Partner) IsInternalUser() bool {
	return p.UserID != 0 && !p.Share
}

// Follower subscribes a partner to a record for the listed subtypes.
type Follower struct {
	Model     string   `json:"model"`
	ResID     int64    `json:"res_id"`
	PartnerID int64    `json:"partner_id"`
	Subtypes  []string `json:"subtypes"`
}

// Follows reports whether the follower is subscribed to subtype.
func (f Follower) Follows(subtype string) bool {
	for _, s := range f.Subtypes {
		if s == subtype {
			return true
		}
	}
	return false
}

// Record is a generic business record able to hold a message thread.
type Record struct {
	Model     string         `json:"model"`
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	EmailFrom string         `json:"email_from,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
	CreatedBy int64          `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StoredAttachment is the persisted form of an Attachment.
type StoredAttachment struct {
	ID          int64  `json:"id"`
	Model       string `json:"model"`
	ResID       int64  `json:"res_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	BlobKey     string `json:"blob_key"`
	ContentID   string `json:"content_id,omitempty"`
}
