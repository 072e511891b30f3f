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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/bcem/mailgate/internal/parser"
	"github.com/bcem/mailgate/internal/router"
)

// SMTPConfig configures the inbound SMTP or LMTP listener.
type SMTPConfig struct {
	Addr            string
	Domain          string
	LMTP            bool
	MaxMessageBytes int64
	MaxRecipients   int
	Timeout         time.Duration
}

// Backend hands every accepted message to the gateway.
type Backend struct {
	gw     Processor
	domain string
}

// NewBackend creates an SMTP backend. When domain is set, recipients in
// other domains are refused.
func NewBackend(gw Processor, domain string) *Backend {
	return &Backend{gw: gw, domain: strings.ToLower(domain)}
}

// NewSession is called for each incoming connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	slog.Debug("smtp connection", "remote", c.Conn().RemoteAddr().String(), "helo", c.Hostname())
	return &Session{backend: b}, nil
}

// Session is one SMTP transaction.
type Session struct {
	backend *Backend
	from    string
	to      []string
}

// Mail records the envelope sender.
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt records an envelope recipient.
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.domain != "" && parser.Domain(to) != s.backend.domain {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "relay not permitted",
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data processes the message once for all recipients.
func (s *Session) Data(r io.Reader) error {
	return s.deliver(r)
}

// LMTPData processes the message and reports the same status for every
// recipient.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	err := s.deliver(r)
	for _, rcpt := range s.to {
		status.SetStatus(rcpt, err)
	}
	return nil
}

func (s *Session) deliver(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	raw := withEnvelope(s.from, s.to, body)

	res, err := s.backend.gw.Process(context.Background(), raw, Options{})
	if err != nil {
		return smtpError(err)
	}
	slog.Info("smtp message accepted",
		"message_id", res.MessageID,
		"outcome", res.Outcome,
		"from", s.from,
		"rcpt", len(s.to),
	)
	return nil
}

// Reset clears the transaction.
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout ends the session.
func (s *Session) Logout() error {
	return nil
}

// withEnvelope prepends Return-Path and one Delivered-To per envelope
// recipient so Bcc and forwarded deliveries still match their alias.
func withEnvelope(from string, to []string, body []byte) []byte {
	var buf bytes.Buffer
	if from != "" {
		fmt.Fprintf(&buf, "Return-Path: <%s>\r\n", from)
	}
	for _, rcpt := range to {
		fmt.Fprintf(&buf, "Delivered-To: %s\r\n", rcpt)
	}
	buf.Write(body)
	return buf.Bytes()
}

func smtpError(err error) *smtp.SMTPError {
	var warning *router.RouteWarning
	switch {
	case errors.Is(err, router.ErrNoRoute):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "no route for this message",
		}
	case errors.As(err, &warning), errors.Is(err, ErrBadInput):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "message refused",
		}
	default:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}
}

// NewSMTPServer builds the listener for backend.
func NewSMTPServer(cfg SMTPConfig, backend *Backend) *smtp.Server {
	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.LMTP = cfg.LMTP
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	if s.MaxRecipients == 0 {
		s.MaxRecipients = 50
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	s.ReadTimeout = timeout
	s.WriteTimeout = timeout
	return s
}

// ServeSMTP binds the SMTP (or LMTP) listener and closes it when ctx is done.
func ServeSMTP(ctx context.Context, server *smtp.Server) (<-chan struct{}, error) {
	network := "tcp"
	if server.LMTP && strings.HasPrefix(server.Addr, "/") {
		network = "unix"
	}
	ln, err := net.Listen(network, server.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind smtp %s: %w", server.Addr, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("smtp server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("smtp server listening", "addr", ln.Addr().String(), "lmtp", server.LMTP)
		close(ready)
		if err := server.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			slog.Error("smtp server error", "error", err)
		}
	}()

	return ready, nil
}
