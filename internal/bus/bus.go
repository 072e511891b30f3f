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

// Package bus delivers live inbox events to connected browser sessions.
// Events are fanned out across instances through Redis pub/sub and to
// sessions through websockets.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel carrying bus events.
const DefaultChannel = "mailgate:bus"

// Event types.
const (
	EventInbox = "inbox.notification"
)

// Event is one live update for one partner.
type Event struct {
	Type      string          `json:"type"`
	PartnerID int64           `json:"partner_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON payload.
func NewEvent(eventType string, partnerID int64, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, PartnerID: partnerID, Payload: data}, nil
}

// Publisher sends events to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Local publishes straight to an in-process hub.
type Local struct {
	hub *Hub
}

// NewLocal creates a single-instance publisher.
func NewLocal(hub *Hub) *Local { return &Local{hub: hub} }

func (l *Local) Publish(_ context.Context, ev Event) error {
	l.hub.Broadcast(ev)
	return nil
}

// Redis publishes events on a pub/sub channel; Run relays the channel to
// the local hub.
type Redis struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
}

// NewRedis creates a Redis-backed bus.
func NewRedis(rdb *redis.Client, channel string, hub *Hub) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{rdb: rdb, channel: channel, hub: hub}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH: %w", err)
	}
	return nil
}

// Run subscribes to the channel until ctx is cancelled.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	slog.Info("bus relay started", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("bus relay stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed bus event", "error", err)
				continue
			}
			r.hub.Broadcast(ev)
		}
	}
}
