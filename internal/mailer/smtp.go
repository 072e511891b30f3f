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

package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Transport delivers a composed message.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// TLS modes for the SMTP relay.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// SMTPConfig holds the outbound relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      string
	HeloName string
}

// SMTPTransport sends mail through an SMTP relay, one connection per message.
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport creates a relay transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	tlsConfig := &tls.Config{ServerName: t.cfg.Host}
	switch t.cfg.TLS {
	case TLSImplicit:
		return smtp.DialTLS(addr, tlsConfig)
	case TLSStartTLS:
		return smtp.DialStartTLS(addr, tlsConfig)
	default:
		return smtp.Dial(addr)
	}
}

// Send delivers msg. The context only bounds the wait before dialing.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := t.dial()
	if err != nil {
		return fmt.Errorf("dial smtp %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	defer c.Close()

	if t.cfg.HeloName != "" {
		if err := c.Hello(t.cfg.HeloName); err != nil {
			return fmt.Errorf("smtp HELO: %w", err)
		}
	}
	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return c.Quit()
}

// IsPermanent reports whether err is an SMTP 5xx rejection.
func IsPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500 && smtpErr.Code < 600
	}
	return false
}
