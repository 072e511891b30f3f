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

package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bcem/mailgate/internal/dispatch"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/router"
)

// Client posts messages to a remote gateway. It satisfies Processor, so
// the IMAP fetcher can run against a gateway in another process.
type Client struct {
	url   string
	token string
	http  *http.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		url:   strings.TrimRight(baseURL, "/") + GatewayPath,
		token: token,
		http:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Process sends input as a JSON Request. Refusals come back as the same
// error classes the local gateway returns.
func (c *Client) Process(ctx context.Context, input any, opts Options) (*Result, error) {
	raw, err := parser.DecodeInput(input)
	if err != nil {
		return &Result{Outcome: OutcomeError}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	body, err := json.Marshal(Request{
		Message:          base64.StdEncoding.EncodeToString(raw),
		Model:            opts.Model,
		ThreadID:         opts.ThreadID,
		Defaults:         opts.Defaults,
		StripAttachments: opts.StripAttachments,
		SaveOriginal:     opts.SaveOriginal,
		Strict:           opts.Strict,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Result{Outcome: OutcomeError}, fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &Result{Outcome: OutcomeError}, fmt.Errorf("gateway returned %d: %w", resp.StatusCode, err)
	}

	res := &Result{MessageID: out.MessageID, Outcome: out.Outcome}
	if out.ThreadID != 0 {
		res.Deliveries = []dispatch.Delivery{{Route: models.Route{ThreadID: out.ThreadID}}}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return res, nil
	case http.StatusBadRequest:
		return res, fmt.Errorf("%w: %s", ErrBadInput, out.Error)
	case http.StatusUnprocessableEntity:
		if out.Outcome == OutcomeNoRoute {
			return res, fmt.Errorf("%w: %s", router.ErrNoRoute, out.Error)
		}
		return res, &router.RouteWarning{Reason: out.Error}
	default:
		return res, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, out.Error)
	}
}
