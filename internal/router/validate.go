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

package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/render"
	"github.com/bcem/mailgate/internal/thread"
)

// Verdict is the outcome of validating one route.
type Verdict int

const (
	// Accepted routes are dispatched.
	Accepted Verdict = iota
	// Rejected routes were answered with a bounce.
	Rejected
	// Skipped routes are invalid and dropped with a warning.
	Skipped
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "skipped"
	}
}

// ValidateRoute checks that route can be dispatched. A missing target
// falls back to creation when the model allows it. A model that can
// neither create nor update the target is a warning, returned as a
// *RouteWarning when raise is set and skipped otherwise. Alias contact
// policies are enforced against the plan's author; refused senders get a
// bounce.
func (r *Router) ValidateRoute(ctx context.Context, env *models.Envelope, plan *models.Plan, route models.Route, opts Options, raise bool) (Verdict, models.Route, error) {
	warn := func(reason string) (Verdict, models.Route, error) {
		w := &RouteWarning{Model: route.Model, ThreadID: route.ThreadID, Reason: reason}
		if raise {
			return Skipped, route, w
		}
		slog.Warn("route skipped", "message_id", env.MessageID, "model", route.Model, "thread_id", route.ThreadID, "reason", reason)
		return Skipped, route, nil
	}

	m, ok := r.registry.Lookup(route.Model)
	if !ok {
		return warn("unknown model")
	}

	if route.ThreadID != 0 {
		exists, err := m.Exists(ctx, route.ThreadID)
		if err != nil {
			return Skipped, route, fmt.Errorf("check %s/%d: %w", route.Model, route.ThreadID, err)
		}
		switch {
		case !exists && thread.CanCreate(m):
			slog.Warn("target record missing, creating a new one", "message_id", env.MessageID, "model", route.Model, "thread_id", route.ThreadID)
			route.ThreadID = 0
		case !exists:
			return warn("target record does not exist")
		case !thread.CanUpdate(m) && thread.CanCreate(m):
			route.ThreadID = 0
		case !thread.CanUpdate(m):
			return warn("model does not accept replies")
		}
	}
	if route.ThreadID == 0 && !thread.CanCreate(m) {
		return warn("model does not accept document creation")
	}

	if route.Alias == nil || route.Alias.ContactPolicy == "" || route.Alias.ContactPolicy == models.ContactEveryone {
		return Accepted, route, nil
	}
	return r.checkContactPolicy(ctx, env, plan, route, opts)
}

func (r *Router) checkContactPolicy(ctx context.Context, env *models.Envelope, plan *models.Plan, route models.Route, opts Options) (Verdict, models.Route, error) {
	alias := route.Alias

	targetModel, targetID := route.Model, route.ThreadID
	if alias.ParentModel != "" && alias.ParentThreadID != 0 {
		exists, err := r.st.RecordExists(ctx, alias.ParentModel, alias.ParentThreadID)
		if err != nil {
			return Skipped, route, fmt.Errorf("check alias parent: %w", err)
		}
		if !exists {
			slog.Warn("alias parent missing, invalidating alias", "alias", alias.FullAddress(), "parent_model", alias.ParentModel, "parent_id", alias.ParentThreadID)
			if err := r.st.SetAliasStatus(ctx, alias.ID, models.AliasInvalid); err != nil {
				slog.Warn("invalidate alias failed", "alias", alias.FullAddress(), "error", err)
			}
			if _, err := r.guard.Bounce(ctx, env, render.BounceAliasMissing, map[string]any{"alias": alias.FullAddress()}, opts.Work); err != nil {
				return Rejected, route, err
			}
			return Rejected, route, nil
		}
		targetModel, targetID = alias.ParentModel, alias.ParentThreadID
	}

	allowed := plan.AuthorID != 0
	if allowed && alias.ContactPolicy == models.ContactFollowers {
		allowed = false
		if targetID != 0 {
			followers, err := r.st.ListFollowers(ctx, targetModel, targetID)
			if err != nil {
				return Skipped, route, fmt.Errorf("list followers: %w", err)
			}
			for _, f := range followers {
				if f.PartnerID == plan.AuthorID {
					allowed = true
					break
				}
			}
		}
	}
	if allowed {
		return Accepted, route, nil
	}

	slog.Info("sender refused by alias contact policy",
		"message_id", env.MessageID,
		"alias", alias.FullAddress(),
		"policy", alias.ContactPolicy,
		"from", env.From,
	)
	data := map[string]any{"alias": alias.FullAddress(), "policy": string(alias.ContactPolicy)}
	var err error
	if alias.BounceMessage != "" {
		_, err = r.guard.BounceString(ctx, env, alias.BounceMessage, data, opts.Work)
	} else {
		_, err = r.guard.Bounce(ctx, env, render.BounceAliasContact, data, opts.Work)
	}
	return Rejected, route, err
}
