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

package fetchmail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultOAuthScope = "https://outlook.office365.com/.default"

// Conn is an authenticated IMAP session with one mailbox selected.
type Conn interface {
	// Search returns the UIDs of messages received since the given time.
	// A zero since means no date limit.
	Search(since time.Time, unseenOnly bool) ([]imap.UID, error)
	// Fetch returns the full source without setting \Seen.
	Fetch(uid imap.UID) ([]byte, error)
	MarkSeen(uid imap.UID) error
	Close() error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, srv Server) (Conn, error)
}

// IMAPDialer connects with go-imap. OAuth token sources are cached per
// server so tokens are reused until they expire.
type IMAPDialer struct {
	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

// NewIMAPDialer creates a dialer.
func NewIMAPDialer() *IMAPDialer {
	return &IMAPDialer{tokens: make(map[string]oauth2.TokenSource)}
}

// Dial connects, authenticates and selects the server's mailbox.
func (d *IMAPDialer) Dial(ctx context.Context, srv Server) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", srv.Host, srv.Port)
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: srv.Host}}

	var (
		c   *imapclient.Client
		err error
	)
	if srv.TLS {
		c, err = imapclient.DialTLS(addr, opts)
	} else {
		c, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	if err := d.authenticate(ctx, c, srv); err != nil {
		c.Close()
		return nil, err
	}

	if _, err := c.Select(srv.Mailbox, nil).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("select %s: %w", srv.Mailbox, err)
	}
	return &imapConn{c: c}, nil
}

func (d *IMAPDialer) authenticate(ctx context.Context, c *imapclient.Client, srv Server) error {
	if !srv.OAuth.Enabled() {
		if err := c.Login(srv.Username, srv.Password).Wait(); err != nil {
			return fmt.Errorf("login %s: %w", srv.Username, err)
		}
		return nil
	}

	tok, err := d.tokenSource(ctx, srv).Token()
	if err != nil {
		return fmt.Errorf("oauth token for %s: %w", srv.Name, err)
	}

	var client sasl.Client
	if c.Caps().Has(imap.Cap("AUTH=XOAUTH2")) {
		client = &xoauth2Client{username: srv.Username, token: tok.AccessToken}
	} else {
		client = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: srv.Username,
			Token:    tok.AccessToken,
			Host:     srv.Host,
			Port:     srv.Port,
		})
	}
	if err := c.Authenticate(client); err != nil {
		return fmt.Errorf("authenticate %s: %w", srv.Username, err)
	}
	return nil
}

func (d *IMAPDialer) tokenSource(ctx context.Context, srv Server) oauth2.TokenSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.tokens[srv.Name]; ok {
		return ts
	}
	tokenURL := srv.OAuth.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", srv.OAuth.TenantID)
	}
	scopes := srv.OAuth.Scopes
	if len(scopes) == 0 {
		scopes = []string{defaultOAuthScope}
	}
	creds := &clientcredentials.Config{
		ClientID:     srv.OAuth.ClientID,
		ClientSecret: srv.OAuth.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	ts := creds.TokenSource(context.WithoutCancel(ctx))
	d.tokens[srv.Name] = ts
	return ts
}

type imapConn struct {
	c *imapclient.Client
}

func (ic *imapConn) Search(since time.Time, unseenOnly bool) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since
	}
	if unseenOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	data, err := ic.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return data.AllUIDs(), nil
}

func (ic *imapConn) Fetch(uid imap.UID) ([]byte, error) {
	msgs, err := ic.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	for _, msg := range msgs {
		for _, section := range msg.BodySection {
			if len(section.Bytes) > 0 {
				return section.Bytes, nil
			}
		}
	}
	return nil, fmt.Errorf("fetch uid %d: %w", uid, errNoBody)
}

func (ic *imapConn) MarkSeen(uid imap.UID) error {
	err := ic.c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("mark uid %d seen: %w", uid, err)
	}
	return nil
}

func (ic *imapConn) Close() error {
	if err := ic.c.Logout().Wait(); err != nil {
		ic.c.Close()
		return err
	}
	return ic.c.Close()
}

var errNoBody = errors.New("message has no body")

// xoauth2Client implements the XOAUTH2 mechanism used by Microsoft 365 and
// Gmail.
type xoauth2Client struct {
	username string
	token    string
}

func (x *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + x.username + "\x01auth=Bearer " + x.token + "\x01\x01"
	return "XOAUTH2", []byte(ir), nil
}

// Next answers the server's error challenge with an empty response so it
// can finish the exchange with a tagged NO.
func (x *xoauth2Client) Next([]byte) ([]byte, error) {
	return []byte{}, nil
}
