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

package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/store"
	"github.com/bcem/mailgate/internal/uow"
)

// BounceResult describes what a delivery-failure report changed.
type BounceResult struct {
	Duplicate  bool
	Email      string
	PartnerIDs []int64
	MessageIDs []int64
	Marked     int
}

// HandleBounce records a delivery failure: the bounced partners get their
// bounce counter incremented and the email notifications of the original
// messages are flagged. A report is only handled once per Message-Id.
func (g *Guard) HandleBounce(ctx context.Context, env *models.Envelope) (*BounceResult, error) {
	first, err := g.claim(ctx, "bounce:"+env.MessageID)
	if err != nil {
		return nil, err
	}
	if !first {
		slog.Debug("bounce already handled", "message_id", env.MessageID)
		return &BounceResult{Duplicate: true}, nil
	}

	res := &BounceResult{}
	var originals []string
	if env.Bounce != nil {
		res.Email = store.NormalizeEmail(env.Bounce.Email)
		originals = env.Bounce.OriginalMessageIDs
	}

	if res.Email != "" {
		partners, err := g.st.FindPartnersByEmail(ctx, []string{res.Email})
		if err != nil {
			return nil, fmt.Errorf("find bounced partner: %w", err)
		}
		for _, p := range partners {
			if err := g.st.IncrementBounce(ctx, p.ID); err != nil {
				return nil, fmt.Errorf("increment bounce of partner %d: %w", p.ID, err)
			}
			res.PartnerIDs = append(res.PartnerIDs, p.ID)
		}
	}

	if len(originals) > 0 {
		msgs, err := g.st.FindMessagesByMessageIDs(ctx, originals)
		if err != nil {
			return nil, fmt.Errorf("find bounced messages: %w", err)
		}
		for _, m := range msgs {
			res.MessageIDs = append(res.MessageIDs, m.ID)
		}
	}

	// A known address with no partner leaves other partners' rows alone.
	if len(res.MessageIDs) > 0 && (res.Email == "" || len(res.PartnerIDs) > 0) {
		res.Marked, err = g.st.MarkNotificationsBounced(ctx, res.MessageIDs, res.PartnerIDs)
		if err != nil {
			return nil, fmt.Errorf("mark notifications bounced: %w", err)
		}
	}

	slog.Info("bounce processed",
		"message_id", env.MessageID,
		"email", res.Email,
		"partners", len(res.PartnerIDs),
		"messages", len(res.MessageIDs),
		"notifications", res.Marked,
	)
	return res, nil
}

// Bounce renders the named template and answers env with it.
func (g *Guard) Bounce(ctx context.Context, env *models.Envelope, template string, data map[string]any, work *uow.Work) (*models.OutgoingMail, error) {
	body, err := g.renderer.Render(template, g.bounceData(env, data))
	if err != nil {
		return nil, fmt.Errorf("render bounce: %w", err)
	}
	return g.BounceHTML(ctx, env, body, work)
}

// BounceString renders an inline template, such as an alias's own bounce
// message, and answers env with it.
func (g *Guard) BounceString(ctx context.Context, env *models.Envelope, tpl string, data map[string]any, work *uow.Work) (*models.OutgoingMail, error) {
	body, err := g.renderer.RenderString(tpl, g.bounceData(env, data))
	if err != nil {
		return nil, fmt.Errorf("render bounce: %w", err)
	}
	return g.BounceHTML(ctx, env, body, work)
}

func (g *Guard) bounceData(env *models.Envelope, data map[string]any) map[string]any {
	out := map[string]any{
		"sender":        env.From,
		"to":            env.To,
		"subject":       env.Subject,
		"original_body": env.Body,
		"company":       g.cfg.CompanyName,
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}

// BounceHTML stores a reply to env carrying body and schedules its
// sending on work. The reply goes to Return-Path, or From, and references
// the original Message-Id; its own Message-Id carries LoopMarker.
func (g *Guard) BounceHTML(ctx context.Context, env *models.Envelope, body string, work *uow.Work) (*models.OutgoingMail, error) {
	to := env.ReturnPath
	if strings.TrimSpace(to) == "" {
		to = env.From
	}
	if strings.TrimSpace(to) == "" {
		slog.Warn("bounce has no recipient", "message_id", env.MessageID)
		return nil, nil
	}

	from := g.address(g.cfg.BounceAlias)
	if from == "" {
		from = g.CatchallAddress()
	}
	if from == "" {
		from = "MAILER-DAEMON"
	}
	if g.cfg.CompanyName != "" {
		from = parser.FormatAddress(g.cfg.CompanyName, from)
	}

	host := g.cfg.Domain
	if host == "" {
		host = "localhost"
	}
	mail := &models.OutgoingMail{
		MessageID:  fmt.Sprintf("<%s-%s@%s>", uuid.NewString(), LoopMarker, host),
		Subject:    "Re: " + env.Subject,
		BodyHTML:   body,
		EmailFrom:  from,
		EmailTo:    []string{to},
		References: env.MessageID,
		InReplyTo:  env.MessageID,
		Headers:    map[string]string{"Auto-Submitted": "auto-replied"},
		State:      models.MailOutgoing,
	}
	id, err := g.st.CreateMail(ctx, mail)
	if err != nil {
		return nil, fmt.Errorf("create bounce mail: %w", err)
	}
	mail.ID = id

	if g.mail != nil {
		if err := work.Defer(ctx, "send bounce", func(ctx context.Context) error {
			return g.mail.Send(ctx, id)
		}); err != nil {
			return mail, err
		}
	}
	g.metrics.BounceSent()
	slog.Info("bounce queued", "message_id", env.MessageID, "to", to, "mail_id", id)
	return mail, nil
}
