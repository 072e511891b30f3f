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

// Package gateway is the single entry point for inbound mail. HTTP, SMTP,
// LMTP and the IMAP poller all hand raw messages to Gateway.Process, which
// parses, deduplicates, routes, guards against loops and dispatches them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailgate/internal/dedup"
	"github.com/bcem/mailgate/internal/dispatch"
	"github.com/bcem/mailgate/internal/metrics"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/router"
	"github.com/bcem/mailgate/internal/uow"
)

// ErrBadInput is returned when the input cannot be turned into message bytes.
var ErrBadInput = errors.New("bad message input")

// Processing outcomes, also used as the metrics label.
const (
	OutcomeRouted    = "routed"
	OutcomeDuplicate = "duplicate"
	OutcomeBounce    = "bounce"
	OutcomeIgnored   = "ignored"
	OutcomeLoop      = "loop"
	OutcomeRejected  = "rejected"
	OutcomeNoRoute   = "no_route"
	OutcomeError     = "error"
)

// Store answers the idempotency question.
type Store interface {
	MessageIDExists(ctx context.Context, messageID string) (bool, error)
}

// Router builds routing plans.
type Router interface {
	Route(ctx context.Context, env *models.Envelope, opts router.Options) (*models.Plan, error)
}

// LoopGuard rejects senders producing too many records in a short window.
type LoopGuard interface {
	DetectLoop(ctx context.Context, env *models.Envelope, plan *models.Plan, work *uow.Work) (bool, error)
}

// Dispatcher applies plans.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *models.Envelope, plan *models.Plan, opts dispatch.Options) ([]dispatch.Delivery, error)
}

// Config holds gateway-wide defaults. Per-call Options extend them.
type Config struct {
	FallbackModel    string
	UserID           int64
	StripAttachments bool
	SaveOriginal     bool
	BestEffort       bool
	MaxBodyBytes     int64
}

// Deps are the collaborators of a Gateway. Dedup and Metrics may be nil.
type Deps struct {
	Store      Store
	Dedup      dedup.Checker
	Router     Router
	Guard      LoopGuard
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
}

// Options tunes one Process call.
type Options struct {
	// Model and ThreadID override the configured fallback route.
	Model            string
	ThreadID         int64
	Defaults         map[string]any
	StripAttachments bool
	SaveOriginal     bool
	// Strict turns alias and fallback validation warnings into errors.
	Strict      bool
	NoSubscribe bool
}

// Result describes what happened to one message.
type Result struct {
	MessageID  string
	Outcome    string
	Plan       *models.Plan
	Deliveries []dispatch.Delivery
}

// ThreadID returns the first thread the message was posted on, 0 if none.
func (r *Result) ThreadID() int64 {
	if r == nil || len(r.Deliveries) == 0 {
		return 0
	}
	return r.Deliveries[0].Route.ThreadID
}

// Gateway processes inbound messages.
type Gateway struct {
	cfg  Config
	deps Deps
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	return &Gateway{cfg: cfg, deps: deps}
}

// Process runs one message through the pipeline. input is anything
// parser.DecodeInput accepts. A message whose Message-Id is already stored
// or was seen recently is a no-op. Side effects (mail sends, bus events,
// bounces) run only after the whole message succeeded.
func (g *Gateway) Process(ctx context.Context, input any, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{}
	err := g.process(ctx, input, opts, res)
	if err != nil {
		res.Outcome = classify(err)
	}
	g.deps.Metrics.Message(res.Outcome, time.Since(start))
	if err != nil {
		return res, err
	}
	return res, nil
}

func (g *Gateway) process(ctx context.Context, input any, opts Options, res *Result) error {
	raw, err := parser.DecodeInput(input)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadInput, err)
	}

	parseOpts := []parser.Option{
		parser.WithStripAttachments(g.cfg.StripAttachments || opts.StripAttachments),
		parser.WithSaveOriginal(g.cfg.SaveOriginal || opts.SaveOriginal),
	}
	if g.cfg.MaxBodyBytes > 0 {
		parseOpts = append(parseOpts, parser.WithMaxBodyBytes(g.cfg.MaxBodyBytes))
	}
	env, err := parser.Parse(raw, parseOpts...)
	if err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	res.MessageID = env.MessageID

	exists, err := g.deps.Store.MessageIDExists(ctx, env.MessageID)
	if err != nil {
		return fmt.Errorf("check message id: %w", err)
	}
	if exists {
		slog.Info("message already processed", "message_id", env.MessageID, "from", env.From)
		res.Outcome = OutcomeDuplicate
		return nil
	}

	key := "msg:" + env.MessageID
	claimed := false
	if g.deps.Dedup != nil {
		isNew, err := g.deps.Dedup.IsNew(ctx, key)
		switch {
		case err != nil:
			slog.Warn("dedup check failed, proceeding", "message_id", env.MessageID, "error", err)
		case !isNew:
			slog.Info("skipping duplicate delivery", "message_id", env.MessageID)
			res.Outcome = OutcomeDuplicate
			return nil
		default:
			claimed = true
		}
	}

	work := &uow.Work{}
	outcome, err := g.run(ctx, env, opts, work, res)
	if err != nil {
		work.Discard()
		if claimed {
			if ferr := g.deps.Dedup.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				slog.Warn("release dedup key failed", "message_id", env.MessageID, "error", ferr)
			}
		}
		return err
	}
	res.Outcome = outcome

	if err := work.Flush(ctx); err != nil {
		// Everything is stored; failed sends stay visible as exception rows.
		slog.Warn("post-processing incomplete", "message_id", env.MessageID, "error", err)
	}
	return nil
}

func (g *Gateway) run(ctx context.Context, env *models.Envelope, opts Options, work *uow.Work, res *Result) (string, error) {
	ropts := router.Options{
		FallbackModel:    g.cfg.FallbackModel,
		FallbackThreadID: opts.ThreadID,
		FallbackDefaults: opts.Defaults,
		UserID:           g.cfg.UserID,
		BestEffort:       g.cfg.BestEffort && !opts.Strict,
		Work:             work,
	}
	if opts.Model != "" {
		ropts.FallbackModel = opts.Model
	}

	plan, err := g.deps.Router.Route(ctx, env, ropts)
	if err != nil {
		return "", err
	}
	res.Plan = plan

	switch {
	case plan.Ignored:
		return OutcomeIgnored, nil
	case plan.Bounced && plan.Reason == "bounce":
		return OutcomeBounce, nil
	case plan.Bounced:
		slog.Info("message bounced", "message_id", env.MessageID, "reason", plan.Reason)
		return OutcomeRejected, nil
	case plan.Empty():
		slog.Warn("no valid route, message dropped", "message_id", env.MessageID, "reason", plan.Reason)
		return OutcomeRejected, nil
	}

	if g.deps.Guard != nil {
		looping, err := g.deps.Guard.DetectLoop(ctx, env, plan, work)
		if err != nil {
			return "", err
		}
		if looping {
			return OutcomeLoop, nil
		}
	}

	deliveries, err := g.deps.Dispatcher.Dispatch(ctx, env, plan, dispatch.Options{NoSubscribe: opts.NoSubscribe, Work: work})
	if err != nil {
		return "", err
	}
	res.Deliveries = deliveries
	slog.Info("message routed",
		"message_id", env.MessageID,
		"from", env.From,
		"routes", len(deliveries),
	)
	return OutcomeRouted, nil
}

func classify(err error) string {
	var warning *router.RouteWarning
	switch {
	case errors.Is(err, router.ErrNoRoute):
		return OutcomeNoRoute
	case errors.As(err, &warning):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
