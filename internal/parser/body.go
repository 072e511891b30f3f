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

package parser

import (
	"bufio"
	"errors"
	"html"
	"io"
	"log/slog"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/microcosm-cc/bluemonday"

	"github.com/bcem/mailgate/internal/models"
)

const maxDepth = 16

var sanitizer = newSanitizer()

func newSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.AllowDataURIImages()
	p.AllowAttrs("style").Globally()
	p.AllowAttrs("class").Globally()
	p.AllowElements("font", "center", "span", "div")
	p.AllowAttrs("color", "face", "size").OnElements("font")
	return p
}

// walker accumulates body segments, attachments and bounce metadata while
// descending a MIME tree.
type walker struct {
	opts        options
	segments    []string
	attachments []models.Attachment
	bounce      *models.BounceInfo
	inReport    bool
}

func (w *walker) body() string {
	return sanitizer.Sanitize(strings.Join(w.segments, "\n"))
}

func (w *walker) walk(e *gomessage.Entity, depth int) {
	if depth > maxDepth {
		slog.Warn("MIME tree too deep, truncating", "depth", depth)
		return
	}
	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	if mr := e.MultipartReader(); mr != nil {
		switch mediaType {
		case "multipart/alternative":
			w.walkAlternative(mr, depth)
		case "multipart/report":
			w.inReport = true
			w.ensureBounce().Status = params["report-type"]
			w.walkParts(mr, depth)
		default:
			w.walkParts(mr, depth)
		}
		return
	}

	w.leaf(e, mediaType)
}

func (w *walker) walkParts(mr gomessage.MultipartReader, depth int) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
			slog.Warn("read MIME part failed", "error", err)
			return
		}
		w.walk(part, depth+1)
	}
}

// walkAlternative keeps the richest alternative: HTML over plain text.
// Non-body parts inside the alternative (inline images) are still kept.
func (w *walker) walkAlternative(mr gomessage.MultipartReader, depth int) {
	var plain, rich []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
			slog.Warn("read alternative part failed", "error", err)
			break
		}
		mediaType, _, _ := part.Header.ContentType()
		mediaType = strings.ToLower(mediaType)

		sub := &walker{opts: w.opts, inReport: w.inReport, bounce: w.bounce}
		sub.walk(part, depth+1)
		w.attachments = append(w.attachments, sub.attachments...)
		w.bounce = sub.bounce

		switch {
		case mediaType == "text/plain" || mediaType == "":
			plain = append(plain, sub.segments...)
		default:
			rich = append(rich, sub.segments...)
		}
	}
	if len(rich) > 0 {
		w.segments = append(w.segments, rich...)
		return
	}
	w.segments = append(w.segments, plain...)
}

func (w *walker) leaf(e *gomessage.Entity, mediaType string) {
	disposition, _, _ := e.Header.ContentDisposition()
	disposition = strings.ToLower(disposition)
	contentID := strings.Trim(strings.TrimSpace(e.Header.Get("Content-Id")), "<>")

	switch mediaType {
	case "message/delivery-status", "message/global-delivery-status":
		w.readDeliveryStatus(e.Body)
		return
	case "text/rfc822-headers", "message/rfc822-headers":
		w.readOriginalHeaders(e.Body)
		return
	case "message/rfc822":
		if w.inReport {
			w.readOriginalHeaders(e.Body)
			return
		}
		w.attach(e, mediaType, "ForwardedMessage.eml", contentID, false)
		return
	}

	filename := attachmentName(e)
	isText := mediaType == "text/plain" || mediaType == "text/html"
	if isText && disposition != "attachment" && filename == "" {
		text, err := w.readText(e.Body)
		if err != nil {
			slog.Warn("read text part failed", "error", err)
			return
		}
		if mediaType == "text/html" {
			w.segments = append(w.segments, text)
		} else if strings.TrimSpace(text) != "" {
			w.segments = append(w.segments, plainToHTML(text))
		}
		return
	}

	inline := contentID != "" && disposition != "attachment"
	w.attach(e, mediaType, filename, contentID, inline)
}

func (w *walker) attach(e *gomessage.Entity, mediaType, filename, contentID string, inline bool) {
	if w.opts.stripAttachments {
		return
	}
	data, err := io.ReadAll(e.Body)
	if err != nil {
		slog.Warn("read attachment failed", "filename", filename, "error", err)
		return
	}
	if filename == "" {
		filename = "attachment"
		if contentID != "" {
			filename = contentID
		}
	}
	w.attachments = append(w.attachments, models.Attachment{
		Name:        filename,
		ContentType: mediaType,
		Content:     data,
		ContentID:   contentID,
		Inline:      inline,
	})
}

func (w *walker) readText(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, w.opts.maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *walker) ensureBounce() *models.BounceInfo {
	if w.bounce == nil {
		w.bounce = &models.BounceInfo{}
	}
	return w.bounce
}

// readDeliveryStatus reads the per-message and per-recipient field groups
// of a DSN (RFC 3464).
func (w *walker) readDeliveryStatus(r io.Reader) {
	b := w.ensureBounce()
	br := bufio.NewReader(r)
	for {
		h, err := textproto.ReadHeader(br)
		if h.Len() > 0 {
			if rcpt := dsnAddress(h.Get("Final-Recipient")); rcpt != "" && b.Email == "" {
				b.Email = rcpt
			} else if rcpt := dsnAddress(h.Get("Original-Recipient")); rcpt != "" && b.Email == "" {
				b.Email = rcpt
			}
			if status := strings.TrimSpace(h.Get("Status")); status != "" {
				b.Status = status
			}
		}
		if err != nil {
			return
		}
		// Skip blank lines between groups; stop at EOF.
		if _, err := br.Peek(1); err != nil {
			return
		}
	}
}

// readOriginalHeaders extracts the ids and recipient of the message that bounced.
func (w *walker) readOriginalHeaders(r io.Reader) {
	b := w.ensureBounce()
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil && h.Len() == 0 {
		slog.Debug("bounced message headers unreadable", "error", err)
		return
	}
	mh := gomail.Header{Header: gomessage.Header{Header: h}}
	ids := uniqueMessageIDs(mh.Get("Message-Id"), mh.Get("References"))
	b.OriginalMessageIDs = appendUnique(b.OriginalMessageIDs, ids...)
	if b.Email == "" {
		if list, err := mh.AddressList("To"); err == nil && len(list) > 0 {
			b.Email = strings.ToLower(list[0].Address)
		}
	}
}

func dsnAddress(field string) string {
	field = strings.TrimSpace(field)
	if field == "" {
		return ""
	}
	if i := strings.Index(field, ";"); i >= 0 {
		field = field[i+1:]
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(field), "<>"))
}

func attachmentName(e *gomessage.Entity) string {
	ah := gomail.AttachmentHeader{Header: e.Header}
	if name, err := ah.Filename(); err == nil && name != "" {
		return name
	}
	if _, params, err := e.Header.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

// plainToHTML escapes text and wraps it in a preformatted block.
func plainToHTML(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}
