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

// Package fetchmail polls IMAP mailboxes and feeds unread messages through
// the gateway. A message is flagged \Seen only once the gateway accepted
// it, so failures are retried on the next poll.
package fetchmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/gateway"
	"github.com/bcem/mailgate/internal/router"
)

// Server is one polled mailbox.
type Server struct {
	Name          string
	Host          string
	Port          int
	TLS           bool
	Username      string
	Password      string
	Mailbox       string
	Interval      time.Duration
	FallbackModel string
	OAuth         config.OAuthConfig
}

// ServerFromConfig converts a configured mailbox.
func ServerFromConfig(c config.FetchmailConfig) Server {
	return Server{
		Name:          c.Name,
		Host:          c.Host,
		Port:          c.Port,
		TLS:           c.TLS,
		Username:      c.Username,
		Password:      c.Password,
		Mailbox:       c.Mailbox,
		Interval:      c.Interval,
		FallbackModel: c.FallbackModel,
		OAuth:         c.OAuth,
	}
}

// Processor is the gateway entry point.
type Processor interface {
	Process(ctx context.Context, input any, opts gateway.Options) (*gateway.Result, error)
}

// RunResult summarises one pass over a mailbox.
type RunResult struct {
	Server    string
	Processed int
	Skipped   int
	Errors    int
}

// Fetcher processes the messages of a mailbox.
type Fetcher struct {
	dialer Dialer
	gw     Processor
}

// NewFetcher creates a Fetcher.
func NewFetcher(dialer Dialer, gw Processor) *Fetcher {
	return &Fetcher{dialer: dialer, gw: gw}
}

// FetchUnseen processes every unread message of srv.
func (f *Fetcher) FetchUnseen(ctx context.Context, srv Server) (RunResult, error) {
	return f.run(ctx, srv, time.Time{}, true)
}

func (f *Fetcher) run(ctx context.Context, srv Server, since time.Time, unseenOnly bool) (RunResult, error) {
	res := RunResult{Server: srv.Name}

	conn, err := f.dialer.Dial(ctx, srv)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("imap logout failed", "server", srv.Name, "error", err)
		}
	}()

	uids, err := conn.Search(since, unseenOnly)
	if err != nil {
		return res, err
	}
	if len(uids) > 0 {
		slog.Info("fetching messages", "server", srv.Name, "count", len(uids))
	}

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := conn.Fetch(uid)
		if err != nil {
			slog.Error("fetch message failed", "server", srv.Name, "uid", uid, "error", err)
			res.Errors++
			continue
		}

		out, err := f.gw.Process(ctx, raw, gateway.Options{Model: srv.FallbackModel})
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, router.ErrNoRoute) {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "message left unseen", "server", srv.Name, "uid", uid, "error", err)
			res.Errors++
			continue
		}
		if out.Outcome == gateway.OutcomeDuplicate {
			res.Skipped++
		} else {
			res.Processed++
		}

		if unseenOnly {
			if err := conn.MarkSeen(uid); err != nil {
				slog.Warn("mark seen failed", "server", srv.Name, "uid", uid, "error", err)
			}
		}
	}
	return res, nil
}

// Poller fetches every configured mailbox on its own interval.
type Poller struct {
	fetcher *Fetcher
	servers []Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller over servers.
func NewPoller(fetcher *Fetcher, servers []Server) *Poller {
	return &Poller{fetcher: fetcher, servers: servers}
}

// Start launches one polling loop per server. The first poll runs
// immediately.
func (p *Poller) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, srv := range p.servers {
		interval := srv.Interval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		p.wg.Add(1)
		go func(srv Server) {
			defer p.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				p.poll(loopCtx, srv)
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
				}
			}
		}(srv)
	}

	slog.Info("fetchmail started", "servers", len(p.servers))
}

func (p *Poller) poll(ctx context.Context, srv Server) {
	res, err := p.fetcher.FetchUnseen(ctx, srv)
	if err != nil && ctx.Err() == nil {
		slog.Error("fetchmail poll failed", "server", srv.Name, "error", err)
		return
	}
	if res.Processed+res.Skipped+res.Errors > 0 {
		slog.Info("fetchmail poll complete",
			"server", srv.Name,
			"processed", res.Processed,
			"skipped", res.Skipped,
			"errors", res.Errors,
		)
	}
}

// Stop shuts down the polling loops.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// FindServer returns the configured server with the given name.
func FindServer(servers []Server, name string) (Server, error) {
	for _, s := range servers {
		if s.Name == name {
			return s, nil
		}
	}
	return Server{}, fmt.Errorf("fetchmail server %q not configured", name)
}
