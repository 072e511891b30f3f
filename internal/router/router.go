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

// Package router decides which thread(s) an inbound message belongs to.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/bcem/mailgate/internal/guard"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/render"
	"github.com/bcem/mailgate/internal/store"
	"github.com/bcem/mailgate/internal/thread"
	"github.com/bcem/mailgate/internal/uow"
)

// ErrNoRoute is returned when a message matches no thread, alias or
// fallback and is not a bounce.
var ErrNoRoute = errors.New("no possible route")

// RouteWarning reports a route that failed validation.
type RouteWarning struct {
	Model    string
	ThreadID int64
	Reason   string
}

func (w *RouteWarning) Error() string {
	return fmt.Sprintf("route %s/%d: %s", w.Model, w.ThreadID, w.Reason)
}

// Store is the part of the record store the router reads. Alias status is
// the only write.
type Store interface {
	store.Messages
	store.Aliases
	store.Partners
	store.Followers
	store.Records
}

// Options tunes one Route call.
type Options struct {
	// FallbackModel receives messages matching no thread and no alias.
	FallbackModel    string
	FallbackThreadID int64
	FallbackDefaults map[string]any
	// UserID acts for routes without an alias user.
	UserID int64
	// BestEffort skips invalid alias and fallback routes instead of failing.
	BestEffort bool
	// Work receives bounce sends.
	Work *uow.Work
}

// Router resolves envelopes into routing plans.
type Router struct {
	st       Store
	registry *thread.Registry
	guard    *guard.Guard
}

// New creates a Router.
func New(st Store, registry *thread.Registry, g *guard.Guard) *Router {
	return &Router{st: st, registry: registry, guard: g}
}

// Route builds the plan for env. In order: replies to our bounces are
// ignored, bounces are handled, replies go to their thread unless they
// forward to another model's alias, aliases route to their model, mail
// written only to the catch-all bounces, then the caller's fallback model
// applies, and remaining catch-all mail bounces. Anything else is
// ErrNoRoute.
func (r *Router) Route(ctx context.Context, env *models.Envelope, opts Options) (*models.Plan, error) {
	if guard.IsLoopReply(env) {
		slog.Info("ignoring reply to a bounce", "message_id", env.MessageID)
		return &models.Plan{Ignored: true, Reason: "loop reply"}, nil
	}
	if r.guard.IsBounce(env) {
		if _, err := r.guard.HandleBounce(ctx, env); err != nil {
			return nil, err
		}
		return &models.Plan{Bounced: true, Reason: "bounce"}, nil
	}

	plan := &models.Plan{}
	author, err := r.author(ctx, env)
	if err != nil {
		return nil, err
	}
	plan.AuthorID = author

	aliases, err := r.st.ListAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	rcpts := parser.SplitAddresses(env.Recipients)
	matched := matchAliases(aliases, rcpts)

	parent, err := r.replyParent(ctx, env)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		if len(matched) > 0 && !hasModel(matched, parent.Model) {
			slog.Info("reply forwarded to another alias",
				"message_id", env.MessageID,
				"reply_model", parent.Model,
				"aliases", aliasNames(matched),
			)
		} else {
			plan.ParentID = parent.ID
			plan.ParentInternal = parent.IsInternal()
			plan.ParentAuthorID = parent.AuthorID

			route := models.Route{
				Model:    parent.Model,
				ThreadID: parent.ResID,
				Defaults: map[string]any{},
				UserID:   opts.UserID,
			}
			if a := firstWithModel(matched, parent.Model); a != nil {
				route.Alias = a
				if a.UserID != 0 {
					route.UserID = a.UserID
				}
			}
			verdict, checked, err := r.ValidateRoute(ctx, env, plan, route, opts, false)
			if err != nil {
				return nil, err
			}
			switch verdict {
			case Accepted:
				plan.Routes = []models.Route{checked}
				return plan, nil
			case Rejected:
				plan.Bounced = true
				plan.Reason = "reply rejected"
				return plan, nil
			}
			slog.Warn("reply route skipped, trying aliases", "message_id", env.MessageID, "model", parent.Model)
			plan.ParentID, plan.ParentInternal, plan.ParentAuthorID = 0, false, 0
		}
	}

	if len(matched) > 0 {
		for i := range matched {
			a := matched[i]
			route := models.Route{
				Model:    a.Model,
				ThreadID: a.ForceThreadID,
				Defaults: copyDefaults(a.Defaults),
				UserID:   a.UserID,
				Alias:    &a,
			}
			if route.UserID == 0 {
				route.UserID = opts.UserID
			}
			verdict, checked, err := r.ValidateRoute(ctx, env, plan, route, opts, !opts.BestEffort)
			if err != nil {
				return nil, err
			}
			if verdict == Accepted {
				plan.Routes = append(plan.Routes, checked)
			}
		}
		if plan.Empty() {
			plan.Reason = "no valid alias route"
		}
		return plan, nil
	}

	catchall := r.guard.CatchallAddress()
	if to := parser.SplitAddresses(env.To); len(to) > 0 && r.allCatchall(to) {
		slog.Info("direct write to catch-all, bouncing", "message_id", env.MessageID, "from", env.From)
		if _, err := r.guard.Bounce(ctx, env, render.BounceCatchall, map[string]any{"to": catchall}, opts.Work); err != nil {
			return nil, err
		}
		return &models.Plan{Bounced: true, Reason: "catchall"}, nil
	}

	if opts.FallbackModel != "" {
		route := models.Route{
			Model:    opts.FallbackModel,
			ThreadID: opts.FallbackThreadID,
			Defaults: copyDefaults(opts.FallbackDefaults),
			UserID:   opts.UserID,
		}
		verdict, checked, err := r.ValidateRoute(ctx, env, plan, route, opts, !opts.BestEffort)
		if err != nil {
			return nil, err
		}
		if verdict == Accepted {
			plan.Routes = []models.Route{checked}
		}
		return plan, nil
	}

	if r.anyCatchall(rcpts) {
		slog.Info("catch-all with unroutable recipients, bouncing", "message_id", env.MessageID)
		if _, err := r.guard.Bounce(ctx, env, render.BounceCatchall, map[string]any{"to": catchall}, opts.Work); err != nil {
			return nil, err
		}
		return &models.Plan{Bounced: true, Reason: "catchall"}, nil
	}

	return nil, fmt.Errorf("%w for message %s from %q to %q", ErrNoRoute, env.MessageID, env.From, env.Recipients)
}

// author returns the partner matching the sender, preferring users.
func (r *Router) author(ctx context.Context, env *models.Envelope) (int64, error) {
	email := store.NormalizeEmail(env.From)
	if email == "" {
		return 0, nil
	}
	partners, err := r.st.FindPartnersByEmail(ctx, []string{email})
	if err != nil {
		return 0, fmt.Errorf("find author: %w", err)
	}
	if len(partners) == 0 {
		return 0, nil
	}
	return partners[0].ID, nil
}

// replyParent returns the newest stored message referenced by env that is
// attached to a record.
func (r *Router) replyParent(ctx context.Context, env *models.Envelope) (*models.Message, error) {
	if len(env.ReferenceIDs) == 0 {
		return nil, nil
	}
	msgs, err := r.st.FindMessagesByMessageIDs(ctx, env.ReferenceIDs)
	if err != nil {
		return nil, fmt.Errorf("find referenced messages: %w", err)
	}
	for i := range msgs {
		if msgs[i].Model != "" && msgs[i].ResID != 0 {
			return &msgs[i], nil
		}
	}
	return nil, nil
}

func (r *Router) allCatchall(addrs []*mail.Address) bool {
	for _, a := range addrs {
		if !r.guard.IsCatchallAddress(a.Address) {
			return false
		}
	}
	return true
}

func (r *Router) anyCatchall(addrs []*mail.Address) bool {
	for _, a := range addrs {
		if r.guard.IsCatchallAddress(a.Address) {
			return true
		}
	}
	return false
}

// matchAliases returns the aliases addressed by rcpts. An alias with a
// domain matches its full address; one without matches the local part.
// Status is not consulted.
func matchAliases(aliases []models.Alias, rcpts []*mail.Address) []models.Alias {
	var out []models.Alias
	for _, a := range aliases {
		name := strings.ToLower(a.Name)
		full := strings.ToLower(a.FullAddress())
		for _, rc := range rcpts {
			addr := strings.ToLower(rc.Address)
			if (a.Domain != "" && addr == full) || (a.Domain == "" && parser.LocalPart(addr) == name) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func hasModel(aliases []models.Alias, model string) bool {
	return firstWithModel(aliases, model) != nil
}

func firstWithModel(aliases []models.Alias, model string) *models.Alias {
	for i := range aliases {
		if aliases[i].Model == model {
			a := aliases[i]
			return &a
		}
	}
	return nil
}

func aliasNames(aliases []models.Alias) []string {
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		out = append(out, a.FullAddress())
	}
	return out
}

func copyDefaults(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
