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

// Package push delivers web push notifications (RFC 8030) with VAPID
// authentication and aes128gcm payload encryption.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/queue"
)

// ErrDeviceUnreachable is returned when the push service reports the
// subscription as gone (404 or 410).
var ErrDeviceUnreachable = errors.New("push device unreachable")

// MaxPayloadBytes is the largest serialized payload sent to a device.
const MaxPayloadBytes = 4096

// Payload is the JSON document shown by the service worker.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Model     string `json:"model,omitempty"`
	ResID     int64  `json:"res_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
}

// Encode serializes p, trimming Body and then Title until the result fits
// in limit bytes.
func Encode(p Payload, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxPayloadBytes
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}
	for _, field := range []*string{&p.Body, &p.Title} {
		for len(data) > limit && *field != "" {
			*field = trimBytes(*field, len(data)-limit)
			if data, err = json.Marshal(p); err != nil {
				return nil, fmt.Errorf("marshal push payload: %w", err)
			}
		}
	}
	if len(data) > limit {
		return nil, fmt.Errorf("push payload of %d bytes exceeds %d", len(data), limit)
	}
	return data, nil
}

// trimBytes drops at least over bytes from the end of s on a rune
// boundary. JSON escaping can expand characters, so callers re-measure.
func trimBytes(s string, over int) string {
	cut := len(s) - over
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Config holds the VAPID identity of this server.
type Config struct {
	PrivateKey string
	Subject    string // mailto: or https: contact
	TTL        time.Duration
	Timeout    time.Duration
}

// Transport sends one payload to one device.
type Transport interface {
	Send(ctx context.Context, dev models.PushDevice, payload []byte) error
}

// WebPush is the HTTP Transport.
type WebPush struct {
	client  *http.Client
	key     *vapidKey
	subject string
	ttl     time.Duration
	now     func() time.Time
	random  io.Reader
}

// NewWebPush creates a web push transport with a bounded HTTP client.
func NewWebPush(cfg Config) (*WebPush, error) {
	key, err := parseVAPIDKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &WebPush{
		client:  &http.Client{Timeout: cfg.Timeout},
		key:     key,
		subject: cfg.Subject,
		ttl:     cfg.TTL,
		now:     time.Now,
		random:  defaultRandom(),
	}, nil
}

// PublicKey returns the application server key browsers subscribe with.
func (w *WebPush) PublicKey() string {
	return w.key.publicB64
}

func (w *WebPush) Send(ctx context.Context, dev models.PushDevice, payload []byte) error {
	body, err := encrypt(payload, dev.P256dh, dev.Auth, w.random)
	if err != nil {
		return fmt.Errorf("encrypt for device %d: %w", dev.ID, err)
	}
	auth, err := w.key.authorization(dev.Endpoint, w.subject, w.now())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dev.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(int(w.ttl.Seconds())))
	req.Header.Set("Urgency", "normal")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrDeviceUnreachable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// DeviceStore removes dead subscriptions.
type DeviceStore interface {
	DeletePushDevice(ctx context.Context, id int64) error
}

// Deliverer sends to devices and forgets the unreachable ones.
type Deliverer struct {
	transport Transport
	devices   DeviceStore
	onResult  func(outcome string)
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(transport Transport, devices DeviceStore) *Deliverer {
	return &Deliverer{transport: transport, devices: devices}
}

// OnResult registers a callback receiving "sent", "unreachable" or "failed".
func (d *Deliverer) OnResult(fn func(outcome string)) {
	d.onResult = fn
}

func (d *Deliverer) report(outcome string) {
	if d.onResult != nil {
		d.onResult(outcome)
	}
}

// Deliver sends payload to dev. An unreachable device is deleted and
// logged; that is not an error.
func (d *Deliverer) Deliver(ctx context.Context, dev models.PushDevice, payload []byte) error {
	err := d.transport.Send(ctx, dev, payload)
	switch {
	case err == nil:
		d.report("sent")
		return nil
	case errors.Is(err, ErrDeviceUnreachable):
		d.report("unreachable")
		slog.Info("removing unreachable push device",
			"device_id", dev.ID,
			"partner_id", dev.PartnerID,
			"error", err,
		)
		if delErr := d.devices.DeletePushDevice(ctx, dev.ID); delErr != nil {
			slog.Warn("delete push device failed", "device_id", dev.ID, "error", delErr)
		}
		return nil
	default:
		d.report("failed")
		return err
	}
}

// Task is the queue payload for deferred deliveries.
type Task struct {
	Device  models.PushDevice `json:"device"`
	Payload json.RawMessage   `json:"payload"`
}

// HandleTask is the queue handler for queue.TaskPush.
func (d *Deliverer) HandleTask(ctx context.Context, task *queue.Task) error {
	var t Task
	if err := task.Decode(&t); err != nil {
		slog.Error("bad push task", "task_id", task.ID, "error", err)
		return nil
	}
	return d.Deliver(ctx, t.Device, t.Payload)
}
