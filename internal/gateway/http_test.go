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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bcem/mailgate/internal/dispatch"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/router"
)

type fakeProcessor struct {
	input any
	opts  Options
	res   *Result
	err   error
}

func (f *fakeProcessor) Process(_ context.Context, input any, opts Options) (*Result, error) {
	f.input, f.opts = input, opts
	if f.res == nil {
		f.res = &Result{MessageID: "<m@x>", Outcome: OutcomeRouted}
	}
	return f.res, f.err
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

// TestHandler_RawBody verifies a raw message with query options is processed.
func TestHandler_RawBody(t *testing.T) {
	p := &fakeProcessor{res: &Result{
		MessageID:  "<m@x>",
		Outcome:    OutcomeRouted,
		Deliveries: []dispatch.Delivery{{Route: models.Route{Model: "helpdesk.ticket", ThreadID: 42}}},
	}}
	h := NewHandler(p, "", 0)

	req := httptest.NewRequest(http.MethodPost, GatewayPath+"?model=crm.lead&thread_id=7&strip_attachments=true", strings.NewReader("From: a@x\r\n\r\nhi"))
	req.Header.Set("Content-Type", "message/rfc822")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got, ok := p.input.([]byte); !ok || string(got) != "From: a@x\r\n\r\nhi" {
		t.Errorf("input = %#v", p.input)
	}
	if p.opts.Model != "crm.lead" || p.opts.ThreadID != 7 || !p.opts.StripAttachments {
		t.Errorf("opts = %+v", p.opts)
	}
	resp := decodeResponse(t, rec)
	if resp.Outcome != OutcomeRouted || resp.ThreadID != 42 || resp.Routes != 1 {
		t.Errorf("response = %+v", resp)
	}
}

// TestHandler_JSON verifies the base64 JSON wrapper.
func TestHandler_JSON(t *testing.T) {
	p := &fakeProcessor{}
	h := NewHandler(p, "", 0)

	body := fmt.Sprintf(`{"message":%q,"model":"helpdesk.ticket","save_original":true}`, base64.StdEncoding.EncodeToString([]byte("From: a@x\r\n\r\nhi")))
	req := httptest.NewRequest(http.MethodPost, GatewayPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := p.input.(parser.Base64); !ok {
		t.Errorf("input type = %T, want parser.Base64", p.input)
	}
	if p.opts.Model != "helpdesk.ticket" || !p.opts.SaveOriginal {
		t.Errorf("opts = %+v", p.opts)
	}
}

// TestHandler_StatusCodes verifies how processing errors map to HTTP.
func TestHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no route", fmt.Errorf("%w for message <m@x>", router.ErrNoRoute), http.StatusUnprocessableEntity},
		{"warning", &router.RouteWarning{Model: "x", Reason: "nope"}, http.StatusUnprocessableEntity},
		{"bad input", fmt.Errorf("%w: corrupt", ErrBadInput), http.StatusBadRequest},
		{"store down", fmt.Errorf("check message id: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeProcessor{err: tt.err, res: &Result{Outcome: classify(tt.err)}}, "", 0)
			req := httptest.NewRequest(http.MethodPost, GatewayPath, strings.NewReader("x"))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if resp := decodeResponse(t, rec); resp.Error == "" {
				t.Error("error message missing from response")
			}
		})
	}
}

// TestHandler_RejectsRequests verifies method, auth, size and empty-body checks.
func TestHandler_RejectsRequests(t *testing.T) {
	p := &fakeProcessor{}
	h := NewHandler(p, "s3cret", 16)

	tests := []struct {
		name   string
		method string
		auth   string
		body   string
		want   int
	}{
		{"get", http.MethodGet, "Bearer s3cret", "", http.StatusMethodNotAllowed},
		{"no token", http.MethodPost, "", "x", http.StatusUnauthorized},
		{"wrong token", http.MethodPost, "Bearer nope", "x", http.StatusUnauthorized},
		{"empty", http.MethodPost, "Bearer s3cret", "", http.StatusBadRequest},
		{"too large", http.MethodPost, "Bearer s3cret", strings.Repeat("x", 64), http.StatusRequestEntityTooLarge},
		{"ok", http.MethodPost, "Bearer s3cret", "x", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, GatewayPath, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// TestHandler_EndToEnd verifies the handler drives a real gateway.
func TestHandler_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{FallbackModel: "helpdesk.ticket"})
	srv := httptest.NewServer(NewHandler(f.gw, "", 0))
	defer srv.Close()

	resp, err := http.Post(srv.URL+GatewayPath, "message/rfc822", strings.NewReader(message("help@elsewhere.example", "<e2e@remote>")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Outcome != OutcomeRouted || out.ThreadID == 0 || out.MessageID != "<e2e@remote>" {
		t.Errorf("response = %+v", out)
	}
}

// TestServe verifies the listener signals readiness and stops with ctx.
func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready, err := Serve(ctx, 0, http.NotFoundHandler())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-ready
}

// TestClient verifies the client round-trips options and maps refusals
// back to gateway errors.
func TestClient(t *testing.T) {
	p := &fakeProcessor{res: &Result{
		MessageID:  "<m@x>",
		Outcome:    OutcomeRouted,
		Deliveries: []dispatch.Delivery{{Route: models.Route{Model: "helpdesk.ticket", ThreadID: 9}}},
	}}
	srv := httptest.NewServer(NewHandler(p, "tok", 0))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	res, err := c.Process(context.Background(), []byte("From: a@x\r\n\r\nhi"), Options{Model: "crm.lead", ThreadID: 3})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.MessageID != "<m@x>" || res.ThreadID() != 9 {
		t.Errorf("result = %+v", res)
	}
	if p.opts.Model != "crm.lead" || p.opts.ThreadID != 3 {
		t.Errorf("opts = %+v", p.opts)
	}
	if got, ok := p.input.(parser.Base64); !ok || got == "" {
		t.Errorf("input = %#v", p.input)
	}

	p.err = fmt.Errorf("%w for message", router.ErrNoRoute)
	p.res = &Result{Outcome: OutcomeNoRoute}
	if _, err := c.Process(context.Background(), "From: a@x\r\n\r\nhi", Options{}); !errors.Is(err, router.ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}

	bad := NewClient(srv.URL, "wrong")
	if _, err := bad.Process(context.Background(), "x", Options{}); err == nil {
		t.Error("expected an error for a rejected token")
	}
}
