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

// Package guard protects the gateway from delivery-failure reports and
// auto-responder loops.
package guard

import (
	"context"
	"strings"
	"time"

	"github.com/bcem/mailgate/internal/dedup"
	"github.com/bcem/mailgate/internal/metrics"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/store"
)

// LoopMarker tags the Message-Id of every bounce the gateway sends, so
// replies to a bounce can be recognized and dropped.
const LoopMarker = "loop-detection-bounce-email"

// Store is the part of the record store the guard needs.
type Store interface {
	store.Messages
	store.Records
	store.Partners
	store.Notifications
	store.Mails
}

// Renderer renders bounce bodies.
type Renderer interface {
	Render(name string, data map[string]any) (string, error)
	RenderString(tpl string, data map[string]any) (string, error)
}

// MailSender sends a stored outgoing mail.
type MailSender interface {
	Send(ctx context.Context, mailID int64) error
}

// Config holds the addresses and loop thresholds.
type Config struct {
	Domain        string
	BounceAlias   string
	CatchallAlias string
	CompanyName   string
	LoopWindow    time.Duration
	LoopThreshold int
}

// Guard detects and answers bounces and loops.
type Guard struct {
	cfg      Config
	st       Store
	seen     dedup.Checker
	renderer Renderer
	mail     MailSender
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Guard. mail may be nil, in which case bounce mails are
// stored but not sent. m may be nil.
func New(cfg Config, st Store, seen dedup.Checker, renderer Renderer, mail MailSender, m *metrics.Metrics) *Guard {
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = 120 * time.Minute
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = 20
	}
	return &Guard{
		cfg:      cfg,
		st:       st,
		seen:     seen,
		renderer: renderer,
		mail:     mail,
		metrics:  m,
		now:      time.Now,
	}
}

// IsBounceAddress reports whether address is the bounce alias, with or
// without a +suffix.
func (g *Guard) IsBounceAddress(address string) bool {
	if g.cfg.BounceAlias == "" {
		return false
	}
	local := parser.LocalPart(address)
	alias := strings.ToLower(g.cfg.BounceAlias)
	return local == alias || strings.HasPrefix(local, alias+"+")
}

// IsCatchallAddress reports whether address is the catch-all alias.
func (g *Guard) IsCatchallAddress(address string) bool {
	if g.cfg.CatchallAlias == "" {
		return false
	}
	if g.cfg.Domain != "" && parser.Domain(address) != strings.ToLower(g.cfg.Domain) {
		return false
	}
	return parser.LocalPart(address) == strings.ToLower(g.cfg.CatchallAlias)
}

// IsBounce reports whether env is a delivery-failure report: addressed to
// the bounce alias, sent by a mailer daemon, or a delivery status report.
func (g *Guard) IsBounce(env *models.Envelope) bool {
	for _, a := range parser.SplitAddresses(env.To) {
		if g.IsBounceAddress(a.Address) {
			return true
		}
	}
	if from := parser.SplitAddresses(env.From); len(from) > 0 && parser.LocalPart(from[0].Address) == "mailer-daemon" {
		return true
	}
	switch strings.ToLower(env.ContentType) {
	case "multipart/report", "message/delivery-status":
		return true
	}
	return false
}

// IsLoopReply reports whether env answers one of our bounces.
func IsLoopReply(env *models.Envelope) bool {
	return strings.Contains(env.References, LoopMarker) || strings.Contains(env.InReplyTo, LoopMarker)
}

func (g *Guard) address(alias string) string {
	if alias == "" {
		return ""
	}
	if g.cfg.Domain == "" {
		return alias
	}
	return alias + "@" + g.cfg.Domain
}

// CatchallAddress returns the full catch-all address, if configured.
func (g *Guard) CatchallAddress() string {
	return g.address(g.cfg.CatchallAlias)
}

// claim reports whether key is seen for the first time. Without a dedup
// checker every key is new.
func (g *Guard) claim(ctx context.Context, key string) (bool, error) {
	if g.seen == nil {
		return true, nil
	}
	return g.seen.IsNew(ctx, key)
}
