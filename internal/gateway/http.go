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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/router"
)

// GatewayPath is where raw messages are posted.
const GatewayPath = "/mail/gateway"

const shutdownGrace = 10 * time.Second

// Processor is what the HTTP handler drives.
type Processor interface {
	Process(ctx context.Context, input any, opts Options) (*Result, error)
}

// Request is the JSON form of a gateway call. Message is the base64
// encoded RFC-2822 source.
type Request struct {
	Message          string         `json:"message"`
	Model            string         `json:"model,omitempty"`
	ThreadID         int64          `json:"thread_id,omitempty"`
	Defaults         map[string]any `json:"defaults,omitempty"`
	StripAttachments bool           `json:"strip_attachments,omitempty"`
	SaveOriginal     bool           `json:"save_original,omitempty"`
	Strict           bool           `json:"strict,omitempty"`
}

// Response is returned for every processed message.
type Response struct {
	MessageID string `json:"message_id,omitempty"`
	Outcome   string `json:"outcome"`
	ThreadID  int64  `json:"thread_id,omitempty"`
	Routes    int    `json:"routes"`
	Error     string `json:"error,omitempty"`
}

// Handler serves the HTTP gateway endpoint.
type Handler struct {
	gw       Processor
	token    string
	maxBytes int64
}

// NewHandler creates the gateway handler. A non-empty token is required as
// a bearer token; maxBytes caps the request body.
func NewHandler(gw Processor, token string, maxBytes int64) *Handler {
	return &Handler{gw: gw, token: token, maxBytes: maxBytes}
}

// ServeHTTP accepts either a raw message body (model and thread_id as query
// parameters) or a JSON Request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}

	input, opts, err := decodeRequest(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, Response{Outcome: OutcomeError, Error: err.Error()})
		return
	}

	res, err := h.gw.Process(r.Context(), input, opts)
	resp := Response{Outcome: OutcomeError}
	if res != nil {
		resp = Response{MessageID: res.MessageID, Outcome: res.Outcome, ThreadID: res.ThreadID(), Routes: len(res.Deliveries)}
	}
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("gateway processing failed", "message_id", resp.MessageID, "error", err)
		} else {
			slog.Warn("gateway refused message", "message_id", resp.MessageID, "error", err)
		}
		resp.Error = err.Error()
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func decodeRequest(r *http.Request) (any, Options, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, Options{}, fmt.Errorf("decode request: %w", err)
		}
		if req.Message == "" {
			return nil, Options{}, errors.New("message is required")
		}
		return parser.Base64(req.Message), Options{
			Model:            req.Model,
			ThreadID:         req.ThreadID,
			Defaults:         req.Defaults,
			StripAttachments: req.StripAttachments,
			SaveOriginal:     req.SaveOriginal,
			Strict:           req.Strict,
		}, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, Options{}, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil, Options{}, errors.New("empty message")
	}
	q := r.URL.Query()
	opts := Options{
		Model:            q.Get("model"),
		StripAttachments: q.Get("strip_attachments") == "true",
		SaveOriginal:     q.Get("save_original") == "true",
		Strict:           q.Get("strict") == "true",
	}
	if v := q.Get("thread_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, Options{}, fmt.Errorf("invalid thread_id %q", v)
		}
		opts.ThreadID = id
	}
	return body, opts, nil
}

func statusFor(err error) int {
	var warning *router.RouteWarning
	switch {
	case errors.Is(err, ErrBadInput):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNoRoute), errors.As(err, &warning):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Serve starts an HTTP server for handler on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// starting to accept connections.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind http port %d: %w", port, err)
	}
	return serveListener(ctx, server, ln), nil
}

func serveListener(ctx context.Context, server *http.Server, ln net.Listener) <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready
}
