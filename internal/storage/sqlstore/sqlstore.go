/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sqlstore implements module.MessageStore and module.AuditStore on
// top of the SQL directory database. Message bodies are kept in a blob
// store, the database holds metadata only.
package sqlstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/sendpolicy/framework/config"
	modconfig "github.com/foxcpp/sendpolicy/framework/config/module"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/directory/sqldir"
	"github.com/foxcpp/sendpolicy/internal/msgparse"
	"github.com/foxcpp/sendpolicy/internal/storage/sqldb"
	"github.com/google/uuid"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		mailbox VARCHAR(255) NOT NULL,
		flags TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL,
		content_hash VARCHAR(64),
		queue_id VARCHAR(64) NOT NULL DEFAULT '',
		mail_from TEXT NOT NULL DEFAULT '',
		rcpt_to TEXT NOT NULL DEFAULT '[]',
		received_at BIGINT NOT NULL,
		blob_key VARCHAR(255) NOT NULL
	)`,
	// NULL content_hash (no dedupe requested) never conflicts.
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_dedupe ON messages (user_id, mailbox, content_hash)`,
	`CREATE TABLE IF NOT EXISTS audit_messages (
		id VARCHAR(64) PRIMARY KEY,
		audit_id VARCHAR(64) NOT NULL REFERENCES audits(id) ON DELETE CASCADE,
		queue_id VARCHAR(64) NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
		mail_from TEXT NOT NULL DEFAULT '',
		rcpt_to TEXT NOT NULL DEFAULT '[]',
		size BIGINT NOT NULL,
		blob_key VARCHAR(255) NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_messages_queue ON audit_messages (queue_id)`,
	// Statuses are keyed by queue ID alone. Delivery may finish before the
	// audit copies are written.
	`CREATE TABLE IF NOT EXISTS delivery_statuses (
		queue_id VARCHAR(64) NOT NULL,
		recipient VARCHAR(255) NOT NULL,
		status TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (queue_id, recipient)
	)`,
}

// DefaultStatusRetention is how long delivery statuses of messages without
// audit copies are kept.
const DefaultStatusRetention = 7 * 24 * time.Hour

var errDuplicate = errors.New("sqlstore: duplicate message")

type Store struct {
	modName  string
	instName string

	db     *sqldb.DB
	blobs  module.BlobStore
	parser module.MessageParser

	statusRetention time.Duration

	log log.Logger
	now func() time.Time
}

func New(modName, instName string, _ []string) (module.Module, error) {
	return &Store{
		modName:  modName,
		instName: instName,
		parser:   msgparse.Parser{},
		log:      log.Logger{Name: modName},
		now:      time.Now,

		statusRetention: DefaultStatusRetention,
	}, nil
}

// Open wraps an already opened database and creates the directory and
// storage tables.
func Open(ctx context.Context, db *sqldb.DB, blobs module.BlobStore, logger log.Logger) (*Store, error) {
	if err := initSchema(ctx, db); err != nil {
		return nil, err
	}
	return &Store{
		modName: "sqlstore",
		db:      db,
		blobs:   blobs,
		parser:  msgparse.Parser{},
		log:     logger,
		now:     time.Now,

		statusRetention: DefaultStatusRetention,
	}, nil
}

func initSchema(ctx context.Context, db *sqldb.DB) error {
	if err := db.InitSchema(ctx, sqldir.Schema); err != nil {
		return err
	}
	return db.InitSchema(ctx, schema)
}

func (s *Store) Name() string {
	return s.modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

func (s *Store) Init(cfg *config.Map) error {
	open := sqldb.OpenConfig(cfg)
	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.Custom("blob", false, true, nil, modconfig.Matcher("blob", new(module.BlobStore)), &s.blobs)
	cfg.Duration("status_retention", false, false, DefaultStatusRetention, &s.statusRetention)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	db, err := open()
	if err != nil {
		return err
	}
	if err := initSchema(context.Background(), db); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) putBlob(ctx context.Context, key string, raw []byte) error {
	blob, err := s.blobs.Create(ctx, key, int64(len(raw)))
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"blob_key": key})
	}
	defer blob.Close()
	if _, err := blob.Write(raw); err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"blob_key": key})
	}
	if err := blob.Sync(); err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"blob_key": key})
	}
	return nil
}

func (s *Store) dropBlob(key string) {
	if err := s.blobs.Delete(context.Background(), []string{key}); err != nil {
		s.log.Error("cannot remove orphaned blob", err, "blob_key", key)
	}
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s *Store) StoreMessage(ctx context.Context, userID, specialUse string, raw []byte, meta module.MessageMeta, opts module.StoreOpts) (bool, error) {
	var hash *string
	if opts.Dedupe {
		h := contentHash(raw)
		hash = &h

		var exists int
		err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = ? AND mailbox = ? AND content_hash = ?`,
			userID, specialUse, h).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("sqlstore: dedupe lookup: %w", err)
		}
		if exists != 0 {
			s.log.DebugMsg("duplicate message", "user_id", userID, "mailbox", specialUse, "msg_id", meta.QueueID)
			return false, nil
		}
	}

	rcptTo, err := json.Marshal(meta.To)
	if err != nil {
		return false, err
	}

	id := uuid.NewString()
	blobKey := "m-" + id
	if err := s.putBlob(ctx, blobKey, raw); err != nil {
		return false, err
	}

	received := meta.Time
	if received.IsZero() {
		received = s.now()
	}

	err = s.db.Tx(ctx, func(tx *sqldb.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO messages (id, user_id, mailbox, flags, size, content_hash,
				queue_id, mail_from, rcpt_to, received_at, blob_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, userID, specialUse, strings.Join(opts.Flags, " "), len(raw), hash,
			meta.QueueID, meta.From, string(rcptTo), received.Unix(), blobKey)
		if err != nil {
			if opts.Dedupe && sqldb.IsUniqueViolation(err) {
				return errDuplicate
			}
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE users SET storage_used = storage_used + ? WHERE id = ?`, len(raw), userID)
		return err
	})
	if err != nil {
		s.dropBlob(blobKey)
		if errors.Is(err, errDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("sqlstore: store message: %w", err)
	}

	s.replicate(ctx, userID, raw, meta)
	return true, nil
}

// replicate stores copies of the message into active audits of the user.
// The message is already stored at this point, so failures are only
// logged.
func (s *Store) replicate(ctx context.Context, userID string, raw []byte, meta module.MessageMeta) {
	audits, err := s.ListAudits(ctx, userID)
	if err != nil {
		s.log.Error("cannot list audits for replication", err, "user_id", userID)
		return
	}
	now := s.now()

	var auditMeta *module.AuditMeta
	for _, audit := range audits {
		if !audit.Active(now) {
			continue
		}
		if auditMeta == nil {
			auditMeta = s.auditMeta(raw, meta)
		}
		if err := s.StoreAudit(ctx, audit.ID, raw, *auditMeta); err != nil {
			s.log.Error("cannot replicate into audit", err, "user_id", userID, "audit_id", audit.ID)
		}
	}
}

func (s *Store) auditMeta(raw []byte, meta module.MessageMeta) *module.AuditMeta {
	am := &module.AuditMeta{MessageMeta: meta}
	parsed, err := s.parser.Parse(raw)
	if err != nil {
		s.log.DebugMsg("cannot parse message for audit metadata", "msg_id", meta.QueueID, "reason", err.Error())
		return am
	}
	am.MessageID = parsed.MessageID
	am.HasAttachments = parsed.HasAttachments
	mailHdr := mail.Header{Header: message.Header{Header: parsed.Header}}
	if subject, err := mailHdr.Subject(); err == nil {
		am.Subject = subject
	}
	return am
}

func (s *Store) ListAudits(ctx context.Context, userID string) ([]module.AuditCapture, error) {
	rows, err := s.db.Query(ctx, `SELECT id, start_time, end_time FROM audits WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list audits: %w", err)
	}
	defer rows.Close()

	var audits []module.AuditCapture
	for rows.Next() {
		var (
			capture    = module.AuditCapture{UserID: userID}
			start, end nullUnix
		)
		if err := rows.Scan(&capture.ID, &start, &end); err != nil {
			return nil, fmt.Errorf("sqlstore: list audits: %w", err)
		}
		capture.Start = start.Time
		capture.End = end.Time
		audits = append(audits, capture)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list audits: %w", err)
	}
	return audits, nil
}

func (s *Store) StoreAudit(ctx context.Context, auditID string, raw []byte, meta module.AuditMeta) error {
	rcptTo, err := json.Marshal(meta.To)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	blobKey := "a-" + id
	if err := s.putBlob(ctx, blobKey, raw); err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `INSERT INTO audit_messages (id, audit_id, queue_id, message_id, subject,
			has_attachments, mail_from, rcpt_to, size, blob_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, auditID, meta.QueueID, meta.MessageID, meta.Subject,
		meta.HasAttachments, meta.From, string(rcptTo), len(raw), blobKey, s.now().Unix())
	if err != nil {
		s.dropBlob(blobKey)
		return exterrors.WithFields(fmt.Errorf("sqlstore: store audit: %w", err), map[string]interface{}{
			"audit_id": auditID,
		})
	}
	return nil
}

// UpdateDeliveryStatus records the latest status of the recipient. Audit
// copies stored later for the same queue ID see it as well.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, queueID string, status module.DeliveryStatus) error {
	blob, err := json.Marshal(status)
	if err != nil {
		return err
	}
	now := s.now()

	return s.db.Tx(ctx, func(tx *sqldb.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM delivery_statuses WHERE queue_id = ? AND recipient = ?`,
			queueID, status.Recipient)
		if err != nil {
			return fmt.Errorf("sqlstore: delivery status: %w", err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO delivery_statuses (queue_id, recipient, status, updated_at)
			VALUES (?, ?, ?, ?)`, queueID, status.Recipient, string(blob), now.Unix())
		if err != nil {
			return fmt.Errorf("sqlstore: delivery status: %w", err)
		}

		if s.statusRetention > 0 {
			_, err = tx.Exec(ctx, `DELETE FROM delivery_statuses WHERE updated_at < ?
				AND queue_id NOT IN (SELECT queue_id FROM audit_messages)`,
				now.Add(-s.statusRetention).Unix())
			if err != nil {
				return fmt.Errorf("sqlstore: delivery status: prune: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) deliveryStatuses(ctx context.Context, queueID string) (map[string]module.DeliveryStatus, error) {
	rows, err := s.db.Query(ctx, `SELECT recipient, status FROM delivery_statuses WHERE queue_id = ?`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[string]module.DeliveryStatus)
	for rows.Next() {
		var rcpt, blob string
		if err := rows.Scan(&rcpt, &blob); err != nil {
			return nil, err
		}
		var status module.DeliveryStatus
		if err := json.Unmarshal([]byte(blob), &status); err != nil {
			s.log.Error("malformed delivery status, skipping", err, "queue_id", queueID, "rcpt", rcpt)
			continue
		}
		statuses[rcpt] = status
	}
	return statuses, rows.Err()
}

// AuditMessage is a stored audit copy.
type AuditMessage struct {
	ID             string
	QueueID        string
	MessageID      string
	Subject        string
	HasAttachments bool
	From           string
	To             []string
	Size           int64
	BlobKey        string
	Created        time.Time
	Status         map[string]module.DeliveryStatus
}

// AuditMessages returns copies stored for the audit, oldest first.
func (s *Store) AuditMessages(ctx context.Context, auditID string) ([]AuditMessage, error) {
	rows, err := s.db.Query(ctx, `SELECT id, queue_id, message_id, subject, has_attachments, mail_from,
			rcpt_to, size, blob_key, created_at
		FROM audit_messages WHERE audit_id = ? ORDER BY created_at, id`, auditID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: audit messages: %w", err)
	}
	defer rows.Close()

	var msgs []AuditMessage
	for rows.Next() {
		var (
			msg     AuditMessage
			rcptTo  string
			created int64
		)
		err := rows.Scan(&msg.ID, &msg.QueueID, &msg.MessageID, &msg.Subject, &msg.HasAttachments,
			&msg.From, &rcptTo, &msg.Size, &msg.BlobKey, &created)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: audit messages: %w", err)
		}
		msg.Created = time.Unix(created, 0)
		if err := json.Unmarshal([]byte(rcptTo), &msg.To); err != nil {
			return nil, fmt.Errorf("sqlstore: audit messages: rcpt_to: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: audit messages: %w", err)
	}
	rows.Close()

	for i := range msgs {
		msgs[i].Status, err = s.deliveryStatuses(ctx, msgs[i].QueueID)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: audit messages: delivery status: %w", err)
		}
	}
	return msgs, nil
}

// OpenBlob returns the body of a stored message or audit copy.
func (s *Store) OpenBlob(ctx context.Context, key string) ([]byte, error) {
	r, err := s.blobs.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func init() {
	var (
		_ module.MessageStore = &Store{}
		_ module.AuditStore   = &Store{}
	)
	module.Register("message_store.sql", New)
	module.Register("audit_store.sql", New)
}
