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

// Package models defines the data structures shared across the mail gateway.
package models

import (
	"net/textproto"
	"time"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Attachment represents a file extracted from an inbound message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
	ContentID   string `json:"content_id,omitempty"`
	Inline      bool   `json:"inline,omitempty"`
}

// Size returns the attachment payload length in bytes.
func (a Attachment) Size() int {
	return len(a.Content)
}

// BounceInfo holds delivery-failure metadata found in a report message.
type BounceInfo struct {
	// Email is the original recipient that failed (DSN Final-Recipient or
	// the To of the embedded original message).
	Email string `json:"email,omitempty"`
	// OriginalMessageIDs are the Message-Id and References of the bounced
	// message, most specific first.
	OriginalMessageIDs []string `json:"original_message_ids,omitempty"`
	// Body is the human readable part of the report.
	Body string `json:"body,omitempty"`
	// Status is the DSN Status field, e.g. "5.1.1".
	Status string `json:"status,omitempty"`
}

// Envelope is the immutable result of parsing one RFC-2822 message.
type Envelope struct {
	MessageID   string       `json:"message_id"`
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Cc          string       `json:"cc,omitempty"`
	Recipients  string       `json:"recipients"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	ReturnPath  string       `json:"return_path,omitempty"`
	Date        time.Time    `json:"date"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`

	References   string   `json:"references,omitempty"`
	InReplyTo    string   `json:"in_reply_to,omitempty"`
	ReferenceIDs []string `json:"reference_ids,omitempty"`

	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
	Bounce      *BounceInfo       `json:"bounce,omitempty"`

	// Raw is only populated when the original source is retained.
	Raw []byte `json:"-"`
}

// Header returns a header value captured during parsing (case-insensitive key).
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[textproto.CanonicalMIMEHeaderKey(key)]
}
