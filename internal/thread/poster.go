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

package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/mailgate/internal/blob"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/store"
)

// AttachmentURL is the link substituted for cid: references in posted bodies.
const AttachmentURL = "/web/attachment/%d"

// DefaultSubtypes are the subtypes new followers are subscribed to.
var DefaultSubtypes = []string{models.SubtypeComment, models.SubtypeNote}

// PostStore is the part of the record store the Poster writes to.
type PostStore interface {
	store.Messages
	store.Followers
	store.Attachments
}

// Post is a message to attach to a record.
type Post struct {
	Model       string
	ResID       int64
	MessageID   string
	Subject     string
	Body        string
	EmailFrom   string
	ReplyTo     string
	AuthorID    int64
	ParentID    int64
	MessageType models.MessageType
	Subtype     string
	PartnerIDs  []int64
	Attachments []models.Attachment
	Date        time.Time
}

// PostOptions tunes one Post call.
type PostOptions struct {
	// NoSubscribe keeps the author from being added as a follower.
	NoSubscribe bool
}

// Poster writes messages onto threads.
type Poster struct {
	store PostStore
	blobs blob.Store
}

// NewPoster creates a Poster. Attachment payloads go to blobs.
func NewPoster(st PostStore, blobs blob.Store) *Poster {
	return &Poster{store: st, blobs: blobs}
}

// Post stores the message on its record. The parent is flattened to the
// root of its reply chain; without a parent the first message of the
// thread is used. Callers hold the record lock.
func (p *Poster) Post(ctx context.Context, post Post, opts PostOptions) (*models.Message, error) {
	parentID, err := p.flattenParent(ctx, post)
	if err != nil {
		return nil, err
	}

	body := post.Body
	attachmentIDs := make([]int64, 0, len(post.Attachments))
	for _, a := range post.Attachments {
		id, err := p.storeAttachment(ctx, post.Model, post.ResID, a)
		if err != nil {
			return nil, err
		}
		attachmentIDs = append(attachmentIDs, id)
		if a.ContentID != "" {
			body = strings.ReplaceAll(body, "cid:"+a.ContentID, fmt.Sprintf(AttachmentURL, id))
		}
	}

	msgType := post.MessageType
	if msgType == "" {
		msgType = models.MessageEmail
	}
	subtype := post.Subtype
	if subtype == "" {
		subtype = models.SubtypeComment
	}
	msg := &models.Message{
		MessageID:     post.MessageID,
		Model:         post.Model,
		ResID:         post.ResID,
		ParentID:      parentID,
		AuthorID:      post.AuthorID,
		EmailFrom:     post.EmailFrom,
		ReplyTo:       post.ReplyTo,
		Subject:       post.Subject,
		Body:          body,
		MessageType:   msgType,
		Subtype:       subtype,
		PartnerIDs:    post.PartnerIDs,
		AttachmentIDs: attachmentIDs,
		CreatedAt:     post.Date,
	}
	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("<%s-%s-%d@mailgate>", uuid.NewString(), post.Model, post.ResID)
	}
	if _, err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message on %s/%d: %w", post.Model, post.ResID, err)
	}

	if !opts.NoSubscribe && post.AuthorID != 0 {
		if err := p.store.AddFollowers(ctx, post.Model, post.ResID, []int64{post.AuthorID}, DefaultSubtypes); err != nil {
			return nil, fmt.Errorf("subscribe author: %w", err)
		}
	}

	slog.Debug("message posted",
		"message_id", msg.MessageID,
		"model", msg.Model,
		"res_id", msg.ResID,
		"subtype", msg.Subtype,
		"parent_id", msg.ParentID,
	)
	return msg, nil
}

// flattenParent walks up the reply chain so every message hangs off a
// root. A visited set stops at the first repeated id.
func (p *Poster) flattenParent(ctx context.Context, post Post) (int64, error) {
	if post.ParentID == 0 {
		first, err := p.store.FirstThreadMessage(ctx, post.Model, post.ResID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("load first thread message: %w", err)
		}
		return first.ID, nil
	}

	cur, err := p.store.GetMessage(ctx, post.ParentID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load parent message: %w", err)
	}
	visited := map[int64]bool{cur.ID: true}
	for cur.ParentID != 0 && !visited[cur.ParentID] {
		next, err := p.store.GetMessage(ctx, cur.ParentID)
		if err != nil {
			break
		}
		visited[next.ID] = true
		cur = next
	}
	return cur.ID, nil
}

func (p *Poster) storeAttachment(ctx context.Context, model string, resID int64, a models.Attachment) (int64, error) {
	key := fmt.Sprintf("%s/%d/%s", model, resID, uuid.NewString())
	if err := p.blobs.Put(ctx, key, a.ContentType, a.Content); err != nil {
		return 0, fmt.Errorf("store attachment %q: %w", a.Name, err)
	}
	id, err := p.store.CreateAttachment(ctx, &models.StoredAttachment{
		Model:       model,
		ResID:       resID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size(),
		BlobKey:     key,
		ContentID:   a.ContentID,
	})
	if err != nil {
		return 0, fmt.Errorf("record attachment %q: %w", a.Name, err)
	}
	return id, nil
}
