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

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/render"
	"github.com/bcem/mailgate/internal/store"
	"github.com/bcem/mailgate/internal/uow"
)

// DetectLoop reports whether the sender of env has flooded any model the
// plan routes to. For each distinct model it counts records created from
// the sender and, when the plan updates existing records there, messages
// from the sender within the loop window. Reaching the threshold on either
// count rejects the whole plan; the sender gets one bounce per window.
func (g *Guard) DetectLoop(ctx context.Context, env *models.Envelope, plan *models.Plan, work *uow.Work) (bool, error) {
	if plan.Empty() {
		return false, nil
	}
	sender := store.NormalizeEmail(env.From)
	if sender == "" {
		return false, nil
	}
	now := g.now()
	since := now.Add(-g.cfg.LoopWindow)

	updates := make(map[string]bool)
	var order []string
	for _, r := range plan.Routes {
		if _, ok := updates[r.Model]; !ok {
			order = append(order, r.Model)
			updates[r.Model] = false
		}
		if !r.IsNew() {
			updates[r.Model] = true
		}
	}

	for _, model := range order {
		created, err := g.st.CountRecordsCreatedBy(ctx, model, sender, since)
		if err != nil {
			return false, fmt.Errorf("count records from %s: %w", sender, err)
		}
		posted := 0
		if updates[model] {
			posted, err = g.st.CountMessagesFrom(ctx, model, sender, since)
			if err != nil {
				return false, fmt.Errorf("count messages from %s: %w", sender, err)
			}
		}
		if created < g.cfg.LoopThreshold && posted < g.cfg.LoopThreshold {
			continue
		}

		slog.Warn("mail loop detected, routes rejected",
			"message_id", env.MessageID,
			"sender", sender,
			"model", model,
			"created", created,
			"posted", posted,
		)
		bucket := now.Truncate(g.cfg.LoopWindow).Unix()
		first, err := g.claim(ctx, fmt.Sprintf("loop:%s:%d", sender, bucket))
		if err != nil {
			slog.Warn("loop bounce dedup failed", "sender", sender, "error", err)
			return true, nil
		}
		if first {
			if _, err := g.Bounce(ctx, env, render.BounceLoop, map[string]any{
				"model":  model,
				"window": g.cfg.LoopWindow.String(),
			}, work); err != nil {
				slog.Warn("loop bounce failed", "sender", sender, "error", err)
			}
		}
		return true, nil
	}
	return false, nil
}
