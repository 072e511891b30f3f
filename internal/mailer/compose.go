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

// Package mailer turns outgoing mail records into MIME messages and
// delivers them over SMTP.
package mailer

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/bcem/mailgate/internal/models"
)

// Compose renders m as a multipart/alternative message with a plain text
// version derived from the HTML body.
func Compose(m *models.OutgoingMail, date time.Time) ([]byte, error) {
	var h gomail.Header
	h.SetDate(date)
	h.SetSubject(m.Subject)
	if id := strings.Trim(strings.TrimSpace(m.MessageID), "<>"); id != "" {
		h.SetMessageID(id)
	}

	from, err := parseList(m.EmailFrom)
	if err != nil {
		return nil, fmt.Errorf("parse From %q: %w", m.EmailFrom, err)
	}
	h.SetAddressList("From", from)

	to, err := parseList(strings.Join(m.EmailTo, ", "))
	if err != nil {
		return nil, fmt.Errorf("parse To: %w", err)
	}
	h.SetAddressList("To", to)

	if m.ReplyTo != "" {
		if replyTo, err := parseList(m.ReplyTo); err == nil {
			h.SetAddressList("Reply-To", replyTo)
		}
	}
	if m.References != "" {
		h.Set("References", m.References)
	}
	if m.InReplyTo != "" {
		h.Set("In-Reply-To", m.InReplyTo)
	}
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, m.Headers[k])
	}

	var buf bytes.Buffer
	w, err := gomail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if err := writePart(w, "text/plain", HTMLToText(m.BodyHTML)); err != nil {
		return nil, err
	}
	if err := writePart(w, "text/html", m.BodyHTML); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func parseList(list string) ([]*gomail.Address, error) {
	addrs, err := mail.ParseAddressList(list)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Envelope returns the SMTP envelope sender and recipients of m.
func Envelope(m *models.OutgoingMail) (string, []string, error) {
	from, err := mail.ParseAddress(m.EmailFrom)
	if err != nil {
		return "", nil, fmt.Errorf("parse sender %q: %w", m.EmailFrom, err)
	}
	var rcpts []string
	for _, to := range m.EmailTo {
		addrs, err := mail.ParseAddressList(to)
		if err != nil {
			return "", nil, fmt.Errorf("parse recipient %q: %w", to, err)
		}
		for _, a := range addrs {
			rcpts = append(rcpts, a.Address)
		}
	}
	if len(rcpts) == 0 {
		return "", nil, fmt.Errorf("mail %d has no recipients", m.ID)
	}
	return from.Address, rcpts, nil
}
