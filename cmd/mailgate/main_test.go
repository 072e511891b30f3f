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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bcem/mailgate/internal/gateway"
	"github.com/bcem/mailgate/internal/router"
)

// TestExitCode verifies gateway errors map to sysexits codes.
func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", router.ErrNoRoute), exitNoUser},
		{fmt.Errorf("%w: x", gateway.ErrBadInput), exitDataErr},
		{&router.RouteWarning{Reason: "closed"}, exitDataErr},
		{errors.New("connection refused"), exitTempFail},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// TestPost verifies stdin is posted and the outcome printed.
func TestPost(t *testing.T) {
	var got gateway.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != gateway.GatewayPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.Response{MessageID: "<m@x>", Outcome: gateway.OutcomeRouted, ThreadID: 5, Routes: 1})
	}))
	defer srv.Close()

	urlFlag, tokenFlag, modelFlag = srv.URL, "", "helpdesk.ticket"
	defer func() { modelFlag = "" }()

	var out bytes.Buffer
	postCmd.SetIn(strings.NewReader("From: a@x\r\n\r\nhi"))
	postCmd.SetOut(&out)
	postCmd.SetContext(context.Background())
	if err := runPost(postCmd, nil); err != nil {
		t.Fatalf("runPost: %v", err)
	}
	if got.Model != "helpdesk.ticket" || got.Message == "" {
		t.Errorf("request = %+v", got)
	}
	if out.String() != "<m@x> routed 5\n" {
		t.Errorf("output = %q", out.String())
	}
}

// TestPost_NoRoute verifies an unroutable message exits with EX_NOUSER.
func TestPost_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(gateway.Response{Outcome: gateway.OutcomeNoRoute, Error: "no route"})
	}))
	defer srv.Close()

	urlFlag, tokenFlag = srv.URL, ""
	postCmd.SetIn(strings.NewReader("From: a@x\r\n\r\nhi"))
	postCmd.SetOut(&bytes.Buffer{})
	postCmd.SetContext(context.Background())

	err := runPost(postCmd, nil)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitNoUser {
		t.Errorf("err = %v, want exit %d", err, exitNoUser)
	}
}
