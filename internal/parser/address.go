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
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// FormatAddress renders a name/address pair as `"Name" <addr>`, or the bare
// address when there is no name.
func FormatAddress(name, address string) string {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	if name == "" || strings.EqualFold(name, address) {
		return address
	}
	name = strings.ReplaceAll(name, `\`, `\\`)
	name = strings.ReplaceAll(name, `"`, `\"`)
	return `"` + name + `" <` + address + `>`
}

// SplitAddresses parses a comma-joined formatted address list.
// Unparseable entries are kept as bare lower-cased tokens when they look
// like an address.
func SplitAddresses(list string) []*mail.Address {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil
	}
	if addrs, err := mail.ParseAddressList(list); err == nil {
		return addrs
	}
	var out []*mail.Address
	for _, token := range strings.Split(list, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if addr, err := mail.ParseAddress(token); err == nil {
			out = append(out, addr)
			continue
		}
		if strings.Contains(token, "@") {
			out = append(out, &mail.Address{Address: strings.Trim(token, "<>\"' ")})
		}
	}
	return out
}

// LocalPart returns the part of an address before '@', lower-cased.
func LocalPart(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[:at]
	}
	return address
}

// Domain returns the part of an address after '@', lower-cased.
func Domain(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return ""
}

func formatAddressHeader(h gomail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		raw, textErr := h.Text(key)
		if textErr != nil {
			raw = h.Get(key)
		}
		return strings.TrimSpace(raw)
	}
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, FormatAddress(a.Name, a.Address))
	}
	return strings.Join(parts, ", ")
}

// combineRecipients unions the address headers, deduplicating by address.
func combineRecipients(h gomail.Header, keys ...string) string {
	seen := make(map[string]bool)
	var parts []string
	for _, key := range keys {
		for _, value := range h.Values(key) {
			for _, a := range SplitAddresses(decodeWords(value)) {
				k := strings.ToLower(a.Address)
				if k == "" || seen[k] {
					continue
				}
				seen[k] = true
				parts = append(parts, FormatAddress(a.Name, a.Address))
			}
		}
	}
	return strings.Join(parts, ", ")
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	},
}

func decodeWords(value string) string {
	if decoded, err := wordDecoder.DecodeHeader(value); err == nil {
		return decoded
	}
	return value
}

// uniqueMessageIDs extracts <id> tokens in order, without duplicates.
// Values without angle brackets are wrapped.
func uniqueMessageIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range values {
		for _, candidate := range parseMessageIDs(raw) {
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			ids = append(ids, candidate)
		}
	}
	return ids
}

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		var ids []string
		for _, token := range strings.Fields(raw) {
			if id := normalizeMessageID(token); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if id := normalizeMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// normalizeMessageID returns the id in its bracketed form.
func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return "<" + value + ">"
}

// lenientLayouts are tried after RFC 5322 parsing fails.
var lenientLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05",
	"Mon, 2 Jan 06 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05",
	"Mon Jan _2 15:04:05 2006",
	"Mon Jan _2 15:04:05 MST 2006",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"02 Jan 2006 15:04",
	"2006-01-02",
}

var commentPattern = regexp.MustCompile(`\([^()]*\)`)

// parseDate parses a Date header tolerantly. Dates without a zone are
// taken as UTC; anything unparseable is logged and replaced by now.
func parseDate(value string, now func() time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return now().UTC()
	}
	if t, err := mail.ParseDate(value); err == nil {
		return t.UTC()
	}
	cleaned := strings.Join(strings.Fields(commentPattern.ReplaceAllString(value, " ")), " ")
	cleaned = strings.TrimSuffix(cleaned, ",")
	for _, layout := range lenientLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t.UTC()
		}
	}
	slog.Warn("unparseable Date header, using current time", "date", value)
	return now().UTC()
}
