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

// Package parser turns raw RFC-2822 bytes into an immutable models.Envelope.
//
// Malformed input never fails: headers that cannot be decoded are kept as
// raw text, an unreadable MIME tree degrades to the raw body wrapped in a
// <pre> block, and a missing or broken Date falls back to the current time.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/bcem/mailgate/internal/models"
)

const defaultBodyLimit = 2 * 1024 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

type options struct {
	saveOriginal     bool
	stripAttachments bool
	maxBodyBytes     int64
	now              func() time.Time
}

// Option customizes Parse.
type Option func(*options)

// WithSaveOriginal keeps the raw source on the envelope.
func WithSaveOriginal(save bool) Option {
	return func(o *options) { o.saveOriginal = save }
}

// WithStripAttachments drops every attachment, inline images included.
func WithStripAttachments(strip bool) Option {
	return func(o *options) { o.stripAttachments = strip }
}

// WithMaxBodyBytes bounds how much of each text part is read.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithClock overrides the clock used for generated ids and fallback dates.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// recipientHeaders feed Envelope.Recipients, in this order.
var recipientHeaders = []string{"Delivered-To", "To", "Cc", "Resent-To", "Resent-Cc"}

// Parse builds an envelope from raw message bytes.
func Parse(raw []byte, opts ...Option) (*models.Envelope, error) {
	o := options{maxBodyBytes: defaultBodyLimit, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	env := &models.Envelope{Headers: map[string]string{}}
	if o.saveOriginal {
		env.Raw = append([]byte(nil), raw...)
	}

	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		slog.Warn("message structure unreadable, keeping raw body", "error", err)
		fillFallback(env, raw, o)
		return env, nil
	}

	h := gomail.Header{Header: entity.Header}
	fillHeaders(env, h, o)

	w := &walker{opts: o}
	w.walk(entity, 0)
	env.Body = w.body()
	env.Bounce = w.bounce
	if !o.stripAttachments {
		env.Attachments = w.attachments
	}
	if w.bounce != nil && w.bounce.Body == "" {
		w.bounce.Body = env.Body
	}
	return env, nil
}

func fillHeaders(env *models.Envelope, h gomail.Header, o options) {
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := env.Headers[key]; ok {
			continue
		}
		if v, err := fields.Text(); err == nil {
			env.Headers[key] = v
		} else {
			env.Headers[key] = fields.Value()
		}
	}

	if subject, err := h.Subject(); err == nil {
		env.Subject = subject
	} else {
		env.Subject = h.Get("Subject")
	}

	env.MessageID = normalizeMessageID(h.Get("Message-Id"))
	if env.MessageID == "" {
		env.MessageID = generateMessageID(o.now())
	}

	env.From = formatAddressHeader(h, "From")
	env.To = formatAddressHeader(h, "To")
	env.Cc = formatAddressHeader(h, "Cc")
	env.ReplyTo = formatAddressHeader(h, "Reply-To")
	env.ReturnPath = strings.TrimSpace(strings.Trim(strings.TrimSpace(h.Get("Return-Path")), "<>"))
	env.Recipients = combineRecipients(h, recipientHeaders...)

	env.References = strings.TrimSpace(h.Get("References"))
	env.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	env.ReferenceIDs = uniqueMessageIDs(env.References, env.InReplyTo)

	if mediaType, _, err := h.ContentType(); err == nil {
		env.ContentType = strings.ToLower(mediaType)
	}
	if env.ContentType == "" {
		env.ContentType = "text/plain"
	}

	env.Date = parseDate(h.Get("Date"), o.now)
}

// fillFallback degrades an unreadable message to its raw text.
func fillFallback(env *models.Envelope, raw []byte, o options) {
	env.MessageID = generateMessageID(o.now())
	env.Date = o.now().UTC()
	env.ContentType = "text/plain"
	if int64(len(raw)) > o.maxBodyBytes {
		raw = raw[:o.maxBodyBytes]
	}
	env.Body = plainToHTML(string(raw))
}

// generateMessageID mirrors the classic "<timestamp@localhost>" form.
func generateMessageID(now time.Time) string {
	return fmt.Sprintf("<%.6f@localhost>", float64(now.UnixNano())/1e9)
}
