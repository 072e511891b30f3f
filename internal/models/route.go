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

package models

// ContactPolicy decides who may post through an alias.
type ContactPolicy string

const (
	ContactEveryone  ContactPolicy = "everyone"
	ContactPartners  ContactPolicy = "partners"
	ContactFollowers ContactPolicy = "followers"
)

// AliasStatus reflects whether an alias still accepts mail correctly. It is
// informational only: routing matches invalid aliases like valid ones and
// validates each route again.
type AliasStatus string

const (
	AliasValid   AliasStatus = "valid"
	AliasInvalid AliasStatus = "invalid"
)

// Alias maps an inbound address to a thread model and creation defaults.
type Alias struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"` // empty matches the bare local part on any domain
	Model  string `json:"model"`

	Defaults      map[string]any `json:"defaults,omitempty"`
	ForceThreadID int64          `json:"force_thread_id,omitempty"`
	UserID        int64          `json:"user_id,omitempty"`
	ContactPolicy ContactPolicy  `json:"contact_policy"`
	Status        AliasStatus    `json:"status"`

	ParentModel    string `json:"parent_model,omitempty"`
	ParentThreadID int64  `json:"parent_thread_id,omitempty"`

	// BounceMessage overrides the default contact-policy bounce body.
	BounceMessage string `json:"bounce_message,omitempty"`
}

// FullAddress returns name@domain, or the bare name when no domain is set.
func (a Alias) FullAddress() string {
	if a.Domain == "" {
		return a.Name
	}
	return a.Name + "@" + a.Domain
}

// Route is one routing decision: where the message is delivered and as whom.
type Route struct {
	Model    string         `json:"model"`
	ThreadID int64          `json:"thread_id"` // 0 creates a new thread
	Defaults map[string]any `json:"defaults"`
	UserID   int64          `json:"user_id"`
	Alias    *Alias         `json:"alias,omitempty"`
}

// IsNew reports whether the route creates a new thread.
func (r Route) IsNew() bool {
	return r.ThreadID == 0
}

// Plan is the outcome of routing one envelope.
type Plan struct {
	Routes []Route `json:"routes"`

	// Parent message resolved from References/In-Reply-To.
	ParentID       int64 `json:"parent_id,omitempty"`
	ParentInternal bool  `json:"parent_internal,omitempty"`
	ParentAuthorID int64 `json:"parent_author_id,omitempty"`

	// AuthorID is the partner matching the sender, 0 when unknown.
	AuthorID int64 `json:"author_id,omitempty"`

	Ignored bool   `json:"ignored,omitempty"`
	Bounced bool   `json:"bounced,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Empty reports whether nothing should be dispatched.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Routes) == 0
}
