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

// Package archive copies submitted messages into the Sent mailbox of the
// sender and into active audit captures.
//
// Archiving runs in the background after the message is queued. Failures
// are logged and never affect the SMTP transaction.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/future"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/identity"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the limit of messages archived at the same time.
const DefaultConcurrency = 16

// Result is the value of the future returned by Queued.
type Result struct {
	// Sent is true if a copy was stored into the Sent mailbox. False for
	// duplicates.
	Sent bool
	// Audits is the number of audit copies stored directly.
	Audits int
}

type Archiver struct {
	Identity  *identity.Resolver
	Messages  module.MessageStore
	Audits    module.AuditStore
	Blobs     module.BlobStore
	Encrypter module.Encrypter
	Parser    module.MessageParser
	Log       log.Logger

	// Hostname is used in the Received field.
	Hostname       string
	DisableUploads bool

	sem *semaphore.Weighted
	wg  sync.WaitGroup
	now func() time.Time
}

func New(ident *identity.Resolver, concurrency int64, logger log.Logger) *Archiver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Archiver{
		Identity: ident,
		Log:      logger,
		sem:      semaphore.NewWeighted(concurrency),
		now:      time.Now,
	}
}

// Queued schedules archiving of the queued envelope and returns
// immediately. The returned future is resolved once archiving is done. Its
// error is informational: it is already logged.
func (a *Archiver) Queued(ctx context.Context, env *module.Envelope) *future.Future {
	f := future.New()
	env = env.Clone()
	ctx = context.WithoutCancel(ctx)
	now := a.now()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if err := a.sem.Acquire(ctx, 1); err != nil {
			f.Set(Result{}, err)
			return
		}
		defer a.sem.Release(1)

		res, err := a.archive(ctx, env, now)
		if err != nil {
			archiveOutcomes.WithLabelValues("error").Inc()
			a.Log.Error("archiving failed", err, "msg_id", env.ID, "user", env.User)
		}
		f.Set(res, err)
	}()

	return f
}

// Wait blocks until all scheduled archiving is finished.
func (a *Archiver) Wait() {
	a.wg.Wait()
}

func (a *Archiver) archive(ctx context.Context, env *module.Envelope, now time.Time) (Result, error) {
	user, err := a.Identity.GetUser(ctx, env)
	if err != nil {
		return Result{}, err
	}

	audits, err := a.Audits.ListAudits(ctx, user.ID)
	if err != nil {
		// Audit listing is fail-open: the message goes on without audit
		// copies.
		a.Log.Error("cannot list audits, assuming none", err, "msg_id", env.ID, "user_id", user.ID)
		audits = nil
	}
	active := make([]module.AuditCapture, 0, len(audits))
	for _, audit := range audits {
		if audit.Active(now) {
			active = append(active, audit)
		}
	}

	addToSent := user.CopyToSent && !user.OverQuota() && !a.DisableUploads
	if !addToSent && len(active) == 0 {
		archiveOutcomes.WithLabelValues("skipped").Inc()
		return Result{}, nil
	}

	raw, err := a.assemble(ctx, env, now)
	if err != nil {
		return Result{}, err
	}

	meta := module.MessageMeta{
		Protocol:   "smtp",
		QueueID:    env.ID,
		From:       env.From,
		To:         env.To,
		OriginHost: env.Transport.OriginHost,
		TransHost:  env.Transport.Host,
		TransType:  env.Transport.Proto,
		Time:       env.Transport.Time,
	}

	if addToSent {
		return a.storeSent(ctx, env, user, raw, meta)
	}
	return a.storeAudits(ctx, env, active, raw, meta)
}

// assemble rebuilds the raw message as stored: trace fields, the header and
// the body from the blob store.
func (a *Archiver) assemble(ctx context.Context, env *module.Envelope, now time.Time) ([]byte, error) {
	body, err := a.Blobs.Open(ctx, env.ID)
	if err != nil {
		return nil, exterrors.WithFields(err, map[string]interface{}{"blob_key": env.ID})
	}
	defer body.Close()

	var buf bytes.Buffer
	buf.WriteString(ReturnPath(env.From))
	buf.WriteString(Received(env, a.Hostname, now))
	if env.Header != nil {
		if err := textproto.WriteHeader(&buf, *env.Header); err != nil {
			return nil, fmt.Errorf("archive: header: %w", err)
		}
	} else {
		buf.WriteString("\r\n")
	}
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, fmt.Errorf("archive: body: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Archiver) storeSent(ctx context.Context, env *module.Envelope, user *module.UserRecord, raw []byte, meta module.MessageMeta) (Result, error) {
	if user.Encrypt && user.PubKey != "" && a.Encrypter != nil {
		enc, err := a.Encrypter.Encrypt(user.PubKey, raw)
		switch {
		case err != nil:
			a.Log.DebugMsg("encryption failed, storing plaintext", "msg_id", env.ID, "reason", err.Error())
		case enc != nil:
			raw = enc
		}
	}

	stored, err := a.Messages.StoreMessage(ctx, user.ID, imap.SentAttr, raw, meta, module.StoreOpts{
		Flags:  []string{imap.SeenFlag},
		Dedupe: true,
	})
	if err != nil {
		return Result{}, exterrors.WithFields(err, map[string]interface{}{"user_id": user.ID})
	}
	if !stored {
		archiveOutcomes.WithLabelValues("duplicate").Inc()
		a.Log.DebugMsg("duplicate Sent copy skipped", "msg_id", env.ID, "user_id", user.ID)
		return Result{}, nil
	}

	archiveOutcomes.WithLabelValues("sent").Inc()
	a.Log.DebugMsg("stored Sent copy", "msg_id", env.ID, "user_id", user.ID)
	return Result{Sent: true}, nil
}

func (a *Archiver) storeAudits(ctx context.Context, env *module.Envelope, active []module.AuditCapture, raw []byte, meta module.MessageMeta) (Result, error) {
	parsed, err := a.Parser.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("archive: parse: %w", err)
	}

	auditMeta := module.AuditMeta{
		MessageMeta:    meta,
		MessageID:      parsed.MessageID,
		HasAttachments: parsed.HasAttachments,
	}
	mailHdr := mail.Header{Header: message.Header{Header: parsed.Header}}
	if subject, err := mailHdr.Subject(); err == nil {
		auditMeta.Subject = subject
	}

	res := Result{}
	for _, audit := range active {
		if err := a.Audits.StoreAudit(ctx, audit.ID, raw, auditMeta); err != nil {
			a.Log.Error("cannot store audit copy", err, "msg_id", env.ID, "audit_id", audit.ID)
			continue
		}
		res.Audits++
	}
	archiveOutcomes.WithLabelValues("audit").Add(float64(res.Audits))
	return res, nil
}

// UpdateDeliveryStatus records the delivery outcome in audit copies of the
// message. Errors are logged and dropped.
func (a *Archiver) UpdateDeliveryStatus(ctx context.Context, queueID string, status module.DeliveryStatus) {
	if err := a.Audits.UpdateDeliveryStatus(ctx, queueID, status); err != nil {
		a.Log.Error("cannot update audit delivery status", err, "msg_id", queueID, "status", status.Status)
	}
}
