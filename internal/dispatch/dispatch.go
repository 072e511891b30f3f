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

// Package dispatch applies a routing plan: it creates or updates the target
// threads, posts the message and triggers notifications.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/mailgate/internal/metrics"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/notify"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/store"
	"github.com/bcem/mailgate/internal/thread"
	"github.com/bcem/mailgate/internal/uow"
)

// Store is the part of the record store the dispatcher needs beyond posting.
type Store interface {
	store.Aliases
	store.Partners
	store.Locker
}

// Poster writes a message onto a thread.
type Poster interface {
	Post(ctx context.Context, post thread.Post, opts thread.PostOptions) (*models.Message, error)
}

// Notifier fans a posted message out.
type Notifier interface {
	Notify(ctx context.Context, msg *models.Message, opts notify.Options) (*notify.Result, error)
}

// Options tunes one Dispatch call.
type Options struct {
	// NoSubscribe keeps the author from following the threads.
	NoSubscribe bool
	// Work receives post-processing side effects.
	Work *uow.Work
}

// Delivery is one message posted on one thread.
type Delivery struct {
	Route   models.Route
	Created bool
	Message *models.Message
}

// Dispatcher applies plans.
type Dispatcher struct {
	st       Store
	registry *thread.Registry
	poster   Poster
	notifier Notifier
	metrics  *metrics.Metrics
}

// New creates a Dispatcher. notifier and m may be nil.
func New(st Store, registry *thread.Registry, poster Poster, notifier Notifier, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{st: st, registry: registry, poster: poster, notifier: notifier, metrics: m}
}

// Dispatch delivers env along every route of plan, in order. A failing
// route does not stop the others. The error is returned only when no route
// was delivered; once the message is stored on some thread, a redelivery
// would be a duplicate, so the failed routes are logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, env *models.Envelope, plan *models.Plan, opts Options) ([]Delivery, error) {
	if plan.Empty() {
		return nil, nil
	}
	recipients, err := d.recipientPartners(ctx, env, plan.AuthorID)
	if err != nil {
		return nil, err
	}

	deliveries := make([]Delivery, 0, len(plan.Routes))
	var errs []error
	for _, route := range plan.Routes {
		del, err := d.deliver(ctx, env, plan, route, recipients, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		deliveries = append(deliveries, *del)
	}
	if len(errs) == 0 {
		return deliveries, nil
	}
	if len(deliveries) == 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		slog.Error("route delivery failed",
			"message_id", env.MessageID,
			"delivered", len(deliveries),
			"error", err,
		)
		d.metrics.Failure("route")
	}
	return deliveries, nil
}

func (d *Dispatcher) deliver(ctx context.Context, env *models.Envelope, plan *models.Plan, route models.Route, recipients []int64, opts Options) (*Delivery, error) {
	m, ok := d.registry.Lookup(route.Model)
	if !ok {
		return nil, fmt.Errorf("dispatch to unknown model %q", route.Model)
	}

	del := &Delivery{Route: route}
	if route.IsNew() {
		creator, ok := m.(thread.CreatableFromMessage)
		if !ok {
			return nil, fmt.Errorf("model %s cannot create threads", route.Model)
		}
		id, err := creator.MessageNew(ctx, env, route.Defaults, route.UserID)
		if err != nil {
			if route.Alias != nil {
				d.invalidateAlias(ctx, route.Alias, err)
			}
			return nil, err
		}
		del.Route.ThreadID = id
		del.Created = true
	}

	unlock, err := d.st.LockThread(ctx, route.Model, del.Route.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("lock %s/%d: %w", route.Model, del.Route.ThreadID, err)
	}
	defer unlock()

	if !del.Created {
		updater, ok := m.(thread.UpdatableFromMessage)
		if !ok {
			return nil, fmt.Errorf("model %s cannot update threads", route.Model)
		}
		if err := updater.MessageUpdate(ctx, del.Route.ThreadID, env, nil); err != nil {
			return nil, err
		}
	}

	post := thread.Post{
		Model:       route.Model,
		ResID:       del.Route.ThreadID,
		MessageID:   env.MessageID,
		Subject:     env.Subject,
		Body:        env.Body,
		EmailFrom:   env.From,
		ReplyTo:     env.ReplyTo,
		AuthorID:    plan.AuthorID,
		ParentID:    plan.ParentID,
		MessageType: models.MessageEmail,
		Subtype:     models.SubtypeComment,
		PartnerIDs:  recipients,
		Attachments: env.Attachments,
		Date:        env.Date,
	}
	switch {
	case plan.ParentID != 0 && plan.ParentInternal:
		post.Subtype = models.SubtypeNote
		if plan.ParentAuthorID != 0 && plan.ParentAuthorID != plan.AuthorID && !contains(post.PartnerIDs, plan.ParentAuthorID) {
			post.PartnerIDs = append(append([]int64{}, post.PartnerIDs...), plan.ParentAuthorID)
		}
	case del.Created:
		if s, ok := m.(thread.CreationSubtyper); ok && s.CreationSubtype() != "" {
			post.Subtype = s.CreationSubtype()
		}
	}

	msg, err := d.poster.Post(ctx, post, thread.PostOptions{NoSubscribe: opts.NoSubscribe})
	if err != nil {
		return nil, err
	}
	del.Message = msg
	d.metrics.Route(route.Model, del.Created)

	slog.Info("message delivered",
		"message_id", env.MessageID,
		"model", route.Model,
		"thread_id", del.Route.ThreadID,
		"created", del.Created,
		"subtype", post.Subtype,
	)

	// The message is stored; a failing channel must not undo the others.
	if d.notifier != nil {
		if _, err := d.notifier.Notify(ctx, msg, notify.Options{Work: opts.Work}); err != nil {
			slog.Error("notification failed",
				"message_id", env.MessageID,
				"model", route.Model,
				"thread_id", del.Route.ThreadID,
				"error", err,
			)
			d.metrics.Failure("notify")
		}
	}
	return del, nil
}

// invalidateAlias flags an alias whose model refused to create a thread.
// It runs on a detached context so a cancelled request still records it.
func (d *Dispatcher) invalidateAlias(ctx context.Context, alias *models.Alias, cause error) {
	ctx = context.WithoutCancel(ctx)
	slog.Warn("thread creation failed, invalidating alias",
		"alias", alias.FullAddress(),
		"model", alias.Model,
		"error", cause,
	)
	if err := d.st.SetAliasStatus(ctx, alias.ID, models.AliasInvalid); err != nil {
		slog.Error("invalidate alias failed", "alias", alias.FullAddress(), "error", err)
	}
}

// recipientPartners returns the known partners among the message
// recipients, without the author.
func (d *Dispatcher) recipientPartners(ctx context.Context, env *models.Envelope, authorID int64) ([]int64, error) {
	var emails []string
	for _, a := range parser.SplitAddresses(env.Recipients) {
		emails = append(emails, a.Address)
	}
	if len(emails) == 0 {
		return nil, nil
	}
	partners, err := d.st.FindPartnersByEmail(ctx, emails)
	if err != nil {
		return nil, fmt.Errorf("find recipient partners: %w", err)
	}
	var ids []int64
	for _, p := range partners {
		if p.ID != authorID && !contains(ids, p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
