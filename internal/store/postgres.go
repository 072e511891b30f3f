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

package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailgate/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store backed by the given pool.
// It ensures the gateway tables exist on creation.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mail schema: %w", err)
	}
	slog.Info("mail store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mail_records (
			id               BIGSERIAL PRIMARY KEY,
			model            TEXT NOT NULL,
			name             TEXT DEFAULT '',
			email_from       TEXT DEFAULT '',
			email_normalized TEXT DEFAULT '',
			vals             JSONB DEFAULT '{}'::jsonb,
			created_by       BIGINT DEFAULT 0,
			created_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_records_model_email ON mail_records(model, email_normalized, created_at);

		CREATE TABLE IF NOT EXISTS mail_messages (
			id               BIGSERIAL PRIMARY KEY,
			message_id       TEXT NOT NULL DEFAULT '',
			model            TEXT NOT NULL,
			res_id           BIGINT NOT NULL,
			parent_id        BIGINT DEFAULT 0,
			author_id        BIGINT DEFAULT 0,
			email_from       TEXT DEFAULT '',
			email_normalized TEXT DEFAULT '',
			reply_to         TEXT DEFAULT '',
			subject          TEXT DEFAULT '',
			body             TEXT DEFAULT '',
			message_type     TEXT NOT NULL,
			subtype          TEXT DEFAULT '',
			partner_ids      BIGINT[] DEFAULT '{}',
			attachment_ids   BIGINT[] DEFAULT '{}',
			created_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_message_id ON mail_messages(message_id);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON mail_messages(model, res_id, id);
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON mail_messages(model, email_normalized, created_at);

		CREATE TABLE IF NOT EXISTS mail_aliases (
			id               BIGSERIAL PRIMARY KEY,
			name             TEXT NOT NULL,
			domain           TEXT DEFAULT '',
			model            TEXT NOT NULL,
			defaults         JSONB DEFAULT '{}'::jsonb,
			force_thread_id  BIGINT DEFAULT 0,
			user_id          BIGINT DEFAULT 0,
			contact_policy   TEXT DEFAULT 'everyone',
			status           TEXT DEFAULT 'valid',
			parent_model     TEXT DEFAULT '',
			parent_thread_id BIGINT DEFAULT 0,
			bounce_message   TEXT DEFAULT '',
			UNIQUE(name, domain)
		);

		CREATE TABLE IF NOT EXISTS mail_partners (
			id                BIGSERIAL PRIMARY KEY,
			name              TEXT DEFAULT '',
			email             TEXT DEFAULT '',
			active            BOOLEAN DEFAULT TRUE,
			lang              TEXT DEFAULT '',
			user_id           BIGINT DEFAULT 0,
			share             BOOLEAN DEFAULT TRUE,
			notification_type TEXT DEFAULT 'email',
			message_bounce    INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_partners_email ON mail_partners(lower(email));

		CREATE TABLE IF NOT EXISTS mail_followers (
			model      TEXT NOT NULL,
			res_id     BIGINT NOT NULL,
			partner_id BIGINT NOT NULL,
			subtypes   TEXT[] DEFAULT '{}',
			PRIMARY KEY(model, res_id, partner_id)
		);

		CREATE TABLE IF NOT EXISTS mail_notifications (
			id              BIGSERIAL PRIMARY KEY,
			mail_message_id BIGINT NOT NULL,
			partner_id      BIGINT NOT NULL,
			type            TEXT NOT NULL,
			status          TEXT NOT NULL,
			failure_type    TEXT DEFAULT '',
			mail_id         BIGINT DEFAULT 0,
			is_read         BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_message ON mail_notifications(mail_message_id);
		CREATE INDEX IF NOT EXISTS idx_notifications_mail ON mail_notifications(mail_id);

		CREATE TABLE IF NOT EXISTS mail_outgoing (
			id              BIGSERIAL PRIMARY KEY,
			mail_message_id BIGINT DEFAULT 0,
			message_id      TEXT DEFAULT '',
			subject         TEXT DEFAULT '',
			body_html       TEXT DEFAULT '',
			email_from      TEXT DEFAULT '',
			email_to        TEXT[] DEFAULT '{}',
			recipient_ids   BIGINT[] DEFAULT '{}',
			reply_to        TEXT DEFAULT '',
			refs            TEXT DEFAULT '',
			in_reply_to     TEXT DEFAULT '',
			headers         JSONB DEFAULT '{}'::jsonb,
			state           TEXT DEFAULT 'outgoing',
			failure_reason  TEXT DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS mail_push_devices (
			id         BIGSERIAL PRIMARY KEY,
			partner_id BIGINT NOT NULL,
			endpoint   TEXT NOT NULL UNIQUE,
			p256dh     TEXT NOT NULL,
			auth       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_push_partner ON mail_push_devices(partner_id);

		CREATE TABLE IF NOT EXISTS mail_scheduled (
			id              BIGSERIAL PRIMARY KEY,
			mail_message_id BIGINT NOT NULL,
			scheduled_at    TIMESTAMPTZ NOT NULL,
			partner_ids     BIGINT[] DEFAULT '{}',
			notify_author   BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_at ON mail_scheduled(scheduled_at);

		CREATE TABLE IF NOT EXISTS mail_attachments (
			id           BIGSERIAL PRIMARY KEY,
			model        TEXT NOT NULL,
			res_id       BIGINT NOT NULL,
			name         TEXT DEFAULT '',
			content_type TEXT DEFAULT '',
			size         INTEGER DEFAULT 0,
			blob_key     TEXT NOT NULL,
			content_id   TEXT DEFAULT ''
		);
	`)
	return err
}

// --- messages ---

const messageColumns = `id, message_id, model, res_id, parent_id, author_id, email_from,
	reply_to, subject, body, message_type, subtype, partner_ids, attachment_ids, created_at`

func (s *Postgres) MessageIDExists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM mail_messages WHERE message_id = $1)`, messageID,
	).Scan(&exists)
	return exists, err
}

func (s *Postgres) FindMessagesByMessageIDs(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM mail_messages
		WHERE message_id = ANY($1)
		ORDER BY created_at DESC, id DESC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Postgres) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM mail_messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *Postgres) CreateMessage(ctx context.Context, m *models.Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mail_messages
			(message_id, model, res_id, parent_id, author_id, email_from, email_normalized,
			 reply_to, subject, body, message_type, subtype, partner_ids, attachment_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`, m.MessageID, m.Model, m.ResID, m.ParentID, m.AuthorID, m.EmailFrom, NormalizeEmail(m.EmailFrom),
		m.ReplyTo, m.Subject, m.Body, string(m.MessageType), m.Subtype, nonNilInt64(m.PartnerIDs),
		nonNilInt64(m.AttachmentIDs), m.CreatedAt,
	).Scan(&m.ID)
	return m.ID, err
}

func (s *Postgres) FirstThreadMessage(ctx context.Context, model string, resID int64) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM mail_messages
		WHERE model = $1 AND res_id = $2
		ORDER BY id ASC
		LIMIT 1
	`, model, resID)
	return scanMessage(row)
}

func (s *Postgres) CountMessagesFrom(ctx context.Context, model, email string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM mail_messages
		WHERE model = $1 AND email_normalized = $2 AND created_at >= $3
	`, model, NormalizeEmail(email), since).Scan(&n)
	return n, err
}

// --- records ---

func (s *Postgres) RecordExists(ctx context.Context, model string, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM mail_records WHERE model = $1 AND id = $2)`, model, id,
	).Scan(&exists)
	return exists, err
}

func (s *Postgres) GetRecord(ctx context.Context, model string, id int64) (*models.Record, error) {
	var r models.Record
	err := s.pool.QueryRow(ctx, `
		SELECT model, id, name, email_from, vals, created_by, created_at
		FROM mail_records WHERE model = $1 AND id = $2
	`, model, id).Scan(&r.Model, &r.ID, &r.Name, &r.EmailFrom, &r.Values, &r.CreatedBy, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) CreateRecord(ctx context.Context, r *models.Record) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mail_records (model, name, email_from, email_normalized, vals, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, r.Model, r.Name, r.EmailFrom, NormalizeEmail(r.EmailFrom), r.Values, r.CreatedBy, r.CreatedAt).Scan(&r.ID)
	return r.ID, err
}

func (s *Postgres) UpdateRecord(ctx context.Context, model string, id int64, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_records SET vals = vals || $3::jsonb WHERE model = $1 AND id = $2
	`, model, id, values)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CountRecordsCreatedBy(ctx context.Context, model, email string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM mail_records
		WHERE model = $1 AND email_normalized = $2 AND created_at >= $3
	`, model, NormalizeEmail(email), since).Scan(&n)
	return n, err
}

// --- aliases ---

func (s *Postgres) ListAliases(ctx context.Context) ([]models.Alias, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, domain, model, defaults, force_thread_id, user_id,
		       contact_policy, status, parent_model, parent_thread_id, bounce_message
		FROM mail_aliases
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []models.Alias
	for rows.Next() {
		var a models.Alias
		var policy, status string
		if err := rows.Scan(&a.ID, &a.Name, &a.Domain, &a.Model, &a.Defaults, &a.ForceThreadID, &a.UserID,
			&policy, &status, &a.ParentModel, &a.ParentThreadID, &a.BounceMessage); err != nil {
			return nil, err
		}
		a.ContactPolicy = models.ContactPolicy(policy)
		a.Status = models.AliasStatus(status)
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

func (s *Postgres) SetAliasStatus(ctx context.Context, id int64, status models.AliasStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE mail_aliases SET status = $1 WHERE id = $2`, string(status), id)
	return err
}

// --- partners ---

const partnerColumns = `id, name, email, active, lang, user_id, share, notification_type, message_bounce`

func (s *Postgres) FindPartnersByEmail(ctx context.Context, emails []string) ([]models.Partner, error) {
	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		if n := NormalizeEmail(e); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+partnerColumns+` FROM mail_partners
		WHERE lower(email) = ANY($1)
		ORDER BY (user_id <> 0) DESC, id
	`, normalized)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPartners(rows)
}

func (s *Postgres) GetPartners(ctx context.Context, ids []int64) ([]models.Partner, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+partnerColumns+` FROM mail_partners WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPartners(rows)
}

func (s *Postgres) IncrementBounce(ctx context.Context, partnerID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE mail_partners SET message_bounce = message_bounce + 1 WHERE id = $1`, partnerID)
	return err
}

// --- followers ---

func (s *Postgres) ListFollowers(ctx context.Context, model string, resID int64) ([]models.Follower, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model, res_id, partner_id, subtypes FROM mail_followers
		WHERE model = $1 AND res_id = $2
		ORDER BY partner_id
	`, model, resID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []models.Follower
	for rows.Next() {
		var f models.Follower
		if err := rows.Scan(&f.Model, &f.ResID, &f.PartnerID, &f.Subtypes); err != nil {
			return nil, err
		}
		followers = append(followers, f)
	}
	return followers, rows.Err()
}

func (s *Postgres) AddFollowers(ctx context.Context, model string, resID int64, partnerIDs []int64, subtypes []string) error {
	batch := &pgx.Batch{}
	for _, pid := range partnerIDs {
		batch.Queue(`
			INSERT INTO mail_followers (model, res_id, partner_id, subtypes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (model, res_id, partner_id) DO NOTHING
		`, model, resID, pid, subtypes)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// --- notifications ---

func (s *Postgres) CreateNotifications(ctx context.Context, rows []models.Notification) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"mail_notifications"},
		[]string{"mail_message_id", "partner_id", "type", "status", "failure_type", "mail_id", "is_read"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			n := rows[i]
			return []any{n.MailMessageID, n.PartnerID, string(n.Type), string(n.Status), n.FailureType, n.MailID, n.Read}, nil
		}),
	)
	return err
}

func (s *Postgres) ListNotifications(ctx context.Context, mailMessageID int64) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mail_message_id, partner_id, type, status, failure_type, mail_id, is_read
		FROM mail_notifications WHERE mail_message_id = $1 ORDER BY id
	`, mailMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var typ, status string
		if err := rows.Scan(&n.ID, &n.MailMessageID, &n.PartnerID, &typ, &status, &n.FailureType, &n.MailID, &n.Read); err != nil {
			return nil, err
		}
		n.Type = models.Channel(typ)
		n.Status = models.NotificationStatus(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkNotificationsBounced(ctx context.Context, messageIDs, partnerIDs []int64) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_notifications
		SET status = $1, failure_type = $2
		WHERE type = 'email'
		  AND mail_message_id = ANY($3)
		  AND (cardinality($4::bigint[]) = 0 OR partner_id = ANY($4))
	`, string(models.NotificationBounce), models.FailureMailBounce, messageIDs, nonNilInt64(partnerIDs))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) SetMailNotificationStatus(ctx context.Context, mailID int64, status models.NotificationStatus, failure string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_notifications SET status = $1, failure_type = $2
		WHERE mail_id = $3 AND status NOT IN ('bounce', 'canceled')
	`, string(status), failure, mailID)
	return err
}

// --- outgoing mail ---

func (s *Postgres) CreateMail(ctx context.Context, m *models.OutgoingMail) (int64, error) {
	if m.State == "" {
		m.State = models.MailOutgoing
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mail_outgoing
			(mail_message_id, message_id, subject, body_html, email_from, email_to, recipient_ids,
			 reply_to, refs, in_reply_to, headers, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, m.MailMessageID, m.MessageID, m.Subject, m.BodyHTML, m.EmailFrom, nonNilString(m.EmailTo),
		nonNilInt64(m.RecipientIDs), m.ReplyTo, m.References, m.InReplyTo, m.Headers, string(m.State), m.CreatedAt,
	).Scan(&m.ID)
	return m.ID, err
}

func (s *Postgres) GetMail(ctx context.Context, id int64) (*models.OutgoingMail, error) {
	var m models.OutgoingMail
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT id, mail_message_id, message_id, subject, body_html, email_from, email_to, recipient_ids,
		       reply_to, refs, in_reply_to, headers, state, failure_reason, created_at
		FROM mail_outgoing WHERE id = $1
	`, id).Scan(&m.ID, &m.MailMessageID, &m.MessageID, &m.Subject, &m.BodyHTML, &m.EmailFrom, &m.EmailTo,
		&m.RecipientIDs, &m.ReplyTo, &m.References, &m.InReplyTo, &m.Headers, &state, &m.FailureReason, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.State = models.MailState(state)
	return &m, nil
}

func (s *Postgres) UpdateMailState(ctx context.Context, id int64, state models.MailState, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_outgoing SET state = $1, failure_reason = $2 WHERE id = $3
	`, string(state), reason, id)
	return err
}

// --- push devices ---

func (s *Postgres) ListPushDevices(ctx context.Context, partnerIDs []int64) ([]models.PushDevice, error) {
	if len(partnerIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, partner_id, endpoint, p256dh, auth FROM mail_push_devices
		WHERE partner_id = ANY($1) ORDER BY id
	`, partnerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PushDevice
	for rows.Next() {
		var d models.PushDevice
		if err := rows.Scan(&d.ID, &d.PartnerID, &d.Endpoint, &d.P256dh, &d.Auth); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Postgres) DeletePushDevice(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mail_push_devices WHERE id = $1`, id)
	return err
}

// --- scheduled notifications ---

func (s *Postgres) CreateScheduledNotification(ctx context.Context, sn *models.ScheduledNotification) (int64, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mail_scheduled (mail_message_id, scheduled_at, partner_ids, notify_author)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sn.MailMessageID, sn.ScheduledAt, nonNilInt64(sn.PartnerIDs), sn.NotifyAuthor).Scan(&sn.ID)
	return sn.ID, err
}

func (s *Postgres) DueScheduledNotifications(ctx context.Context, now time.Time) ([]models.ScheduledNotification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mail_message_id, scheduled_at, partner_ids, notify_author
		FROM mail_scheduled WHERE scheduled_at <= $1 ORDER BY scheduled_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduledNotification
	for rows.Next() {
		var sn models.ScheduledNotification
		if err := rows.Scan(&sn.ID, &sn.MailMessageID, &sn.ScheduledAt, &sn.PartnerIDs, &sn.NotifyAuthor); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteScheduledNotification(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mail_scheduled WHERE id = $1`, id)
	return err
}

// --- attachments ---

func (s *Postgres) CreateAttachment(ctx context.Context, a *models.StoredAttachment) (int64, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mail_attachments (model, res_id, name, content_type, size, blob_key, content_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, a.Model, a.ResID, a.Name, a.ContentType, a.Size, a.BlobKey, a.ContentID).Scan(&a.ID)
	return a.ID, err
}

// --- locking ---

// LockThread takes a session-level advisory lock keyed on (model, id) on a
// dedicated connection, which is held until the returned func runs.
func (s *Postgres) LockThread(ctx context.Context, model string, id int64) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	key := lockKey(model, id)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s/%d: %w", model, id, err)
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			slog.Warn("advisory unlock failed", "model", model, "id", id, "error", err)
		}
		conn.Release()
	}, nil
}

func lockKey(model string, id int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", model, id)
	return int64(h.Sum64())
}

// scanMessage scans a single row into a Message.
func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var typ string
	err := row.Scan(&m.ID, &m.MessageID, &m.Model, &m.ResID, &m.ParentID, &m.AuthorID, &m.EmailFrom,
		&m.ReplyTo, &m.Subject, &m.Body, &typ, &m.Subtype, &m.PartnerIDs, &m.AttachmentIDs, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.MessageType = models.MessageType(typ)
	return &m, nil
}

// collectMessages scans multiple rows into a slice of Messages.
func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func collectPartners(rows pgx.Rows) ([]models.Partner, error) {
	var out []models.Partner
	for rows.Next() {
		var p models.Partner
		var nt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Active, &p.Lang, &p.UserID, &p.Share, &nt, &p.MessageBounce); err != nil {
			return nil, err
		}
		p.NotificationType = models.NotificationType(nt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func nonNilInt64(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func nonNilString(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
