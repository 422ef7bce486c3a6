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

package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/directory/sqldir"
	"github.com/foxcpp/sendpolicy/internal/storage/sqldb"
	"github.com/foxcpp/sendpolicy/internal/testutils"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testMsg = "From: <foxcpp@example.org>\r\n" +
	"To: <rcpt@example.com>\r\n" +
	"Subject: Report\r\n" +
	"Message-ID: <m1@example.org>\r\n" +
	"\r\n" +
	"Body text.\r\n"

type testEnv struct {
	store *Store
	dir   *sqldir.Directory
	blobs *testutils.BlobStore
	user  string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	db, err := sqldb.Open("sqlite3", filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	dir, err := sqldir.Open(ctx, db, testutils.Logger(t, "sqldir"))
	if err != nil {
		t.Fatal(err)
	}
	userID, err := dir.CreateUser(ctx, "foxcpp", "foxcpp@example.org", "", sqldir.UserOptions{Quota: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}

	blobs := &testutils.BlobStore{}
	store, err := Open(ctx, db, blobs, testutils.Logger(t, "sqlstore"))
	if err != nil {
		t.Fatal(err)
	}
	store.now = testutils.Clock(testTime)
	return testEnv{store: store, dir: dir, blobs: blobs, user: userID}
}

func (env testEnv) storageUsed(t *testing.T) int64 {
	t.Helper()
	u, err := env.dir.FindByUsername(context.Background(), "foxcpp")
	if err != nil || u == nil {
		t.Fatal("FindByUsername:", u, err)
	}
	return u.StorageUsed
}

var testMeta = module.MessageMeta{
	Protocol: "smtp",
	QueueID:  "01HQ8XYZ",
	From:     "foxcpp@example.org",
	To:       []string{"rcpt@example.com"},
	Time:     testTime,
}

func TestStore_StoreMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stored, err := env.store.StoreMessage(ctx, env.user, imap.SentAttr, []byte(testMsg), testMeta,
		module.StoreOpts{Flags: []string{imap.SeenFlag}, Dedupe: true})
	if err != nil {
		t.Fatal(err)
	}
	if !stored {
		t.Fatal("First copy not stored")
	}
	if used := env.storageUsed(t); used != int64(len(testMsg)) {
		t.Fatal("Wrong storage_used:", used)
	}
	if len(env.blobs.Blobs) != 1 {
		t.Fatal("Wrong blob count:", len(env.blobs.Blobs))
	}

	var (
		flags, blobKey string
		size           int64
	)
	err = env.store.db.QueryRow(ctx, `SELECT flags, size, blob_key FROM messages WHERE user_id = ? AND mailbox = ?`,
		env.user, imap.SentAttr).Scan(&flags, &size, &blobKey)
	if err != nil {
		t.Fatal(err)
	}
	if flags != imap.SeenFlag || size != int64(len(testMsg)) {
		t.Fatal("Wrong metadata:", flags, size)
	}
	body, err := env.store.OpenBlob(ctx, blobKey)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != testMsg {
		t.Fatalf("Wrong body: %q", body)
	}
}

func TestStore_StoreMessageDedupe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		stored, err := env.store.StoreMessage(ctx, env.user, imap.SentAttr, []byte(testMsg), testMeta,
			module.StoreOpts{Dedupe: true})
		if err != nil {
			t.Fatal(err)
		}
		if stored != (i == 0) {
			t.Fatalf("attempt %d: stored = %v", i, stored)
		}
	}
	if used := env.storageUsed(t); used != int64(len(testMsg)) {
		t.Fatal("Duplicate counted into storage_used:", used)
	}
	if len(env.blobs.Blobs) != 1 {
		t.Fatal("Blob left for duplicate:", len(env.blobs.Blobs))
	}

	// Same content in another mailbox is not a duplicate.
	stored, err := env.store.StoreMessage(ctx, env.user, imap.DraftsAttr, []byte(testMsg), testMeta,
		module.StoreOpts{Dedupe: true})
	if err != nil || !stored {
		t.Fatal("Other mailbox:", stored, err)
	}

	// Without dedupe every copy is stored.
	for i := 0; i < 2; i++ {
		stored, err := env.store.StoreMessage(ctx, env.user, imap.SentAttr, []byte(testMsg), testMeta, module.StoreOpts{})
		if err != nil || !stored {
			t.Fatal("No dedupe:", stored, err)
		}
	}
	if used := env.storageUsed(t); used != 4*int64(len(testMsg)) {
		t.Fatal("Wrong storage_used:", used)
	}
}

func TestStore_StoreMessageBlobFailure(t *testing.T) {
	env := newTestEnv(t)
	env.blobs.CreateErr = errors.New("disk full")

	_, err := env.store.StoreMessage(context.Background(), env.user, imap.SentAttr, []byte(testMsg), testMeta,
		module.StoreOpts{Dedupe: true})
	if err == nil {
		t.Fatal("Expected error")
	}
	if used := env.storageUsed(t); used != 0 {
		t.Fatal("storage_used changed:", used)
	}
}

func TestStore_StoreMessageUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.StoreMessage(context.Background(), "no-such-id", imap.SentAttr, []byte(testMsg), testMeta,
		module.StoreOpts{})
	if err == nil {
		t.Fatal("Expected foreign key error")
	}
	if len(env.blobs.Blobs) != 0 {
		t.Fatal("Orphaned blob left")
	}
}

func TestStore_ListAudits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start := testTime.Add(-time.Hour)
	end := testTime.Add(time.Hour)
	if _, err := env.dir.AddAudit(ctx, "foxcpp", start, end); err != nil {
		t.Fatal(err)
	}
	if _, err := env.dir.AddAudit(ctx, "foxcpp", time.Time{}, time.Time{}); err != nil {
		t.Fatal(err)
	}

	audits, err := env.store.ListAudits(ctx, env.user)
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 2 {
		t.Fatal("Wrong audit count:", len(audits))
	}
	var bounded, unbounded int
	for _, a := range audits {
		if a.UserID != env.user {
			t.Error("Wrong user ID:", a.UserID)
		}
		switch {
		case a.Start.IsZero() && a.End.IsZero():
			unbounded++
		case a.Start.Equal(start) && a.End.Equal(end):
			bounded++
		default:
			t.Errorf("Unexpected window: %v - %v", a.Start, a.End)
		}
	}
	if bounded != 1 || unbounded != 1 {
		t.Fatal("Wrong windows:", bounded, unbounded)
	}

	audits, err = env.store.ListAudits(ctx, "other-user")
	if err != nil || len(audits) != 0 {
		t.Fatal("Expected no audits:", audits, err)
	}
}

func TestStore_Replication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	active, err := env.dir.AddAudit(ctx, "foxcpp", testTime.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	expired, err := env.dir.AddAudit(ctx, "foxcpp", time.Time{}, testTime.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	stored, err := env.store.StoreMessage(ctx, env.user, imap.SentAttr, []byte(testMsg), testMeta,
		module.StoreOpts{Dedupe: true})
	if err != nil || !stored {
		t.Fatal(stored, err)
	}

	msgs, err := env.store.AuditMessages(ctx, active)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatal("Wrong number of audit copies:", len(msgs))
	}
	msg := msgs[0]
	if msg.QueueID != testMeta.QueueID || msg.MessageID != "m1@example.org" || msg.Subject != "Report" {
		t.Fatalf("Wrong audit metadata: %+v", msg)
	}
	if len(msg.To) != 1 || msg.To[0] != "rcpt@example.com" {
		t.Fatal("Wrong recipients:", msg.To)
	}
	if !msg.Created.Equal(testTime) {
		t.Fatal("Wrong created time:", msg.Created)
	}

	msgs, err = env.store.AuditMessages(ctx, expired)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatal("Copy stored into expired audit")
	}
}

func TestStore_UpdateDeliveryStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auditID, err := env.dir.AddAudit(ctx, "foxcpp", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	meta := module.AuditMeta{MessageMeta: testMeta, MessageID: "m1@example.org", Subject: "Report"}
	if err := env.store.StoreAudit(ctx, auditID, []byte(testMsg), meta); err != nil {
		t.Fatal(err)
	}

	// Unknown queue ID is not an error.
	if err := env.store.UpdateDeliveryStatus(ctx, "unknown", module.DeliveryStatus{Status: "accepted"}); err != nil {
		t.Fatal(err)
	}

	deferred := module.DeliveryStatus{Seq: "1", Status: "deferred", Response: "451 try later", Recipient: "rcpt@example.com", Time: testTime}
	accepted := module.DeliveryStatus{Seq: "2", Status: "accepted", Response: "250 ok", Recipient: "rcpt@example.com", MX: "mx.example.com", Time: testTime.Add(time.Minute)}
	other := module.DeliveryStatus{Seq: "2", Status: "rejected", Response: "550 no", Recipient: "other@example.com", Time: testTime}
	for _, st := range []module.DeliveryStatus{deferred, accepted, other} {
		if err := env.store.UpdateDeliveryStatus(ctx, testMeta.QueueID, st); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := env.store.AuditMessages(ctx, auditID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatal("Wrong count:", len(msgs))
	}
	status := msgs[0].Status
	if len(status) != 2 {
		t.Fatal("Wrong status entries:", status)
	}
	if got := status["rcpt@example.com"]; got.Status != "accepted" || got.MX != "mx.example.com" || !got.Time.Equal(accepted.Time) {
		t.Fatalf("Latest status not kept: %+v", got)
	}
	if got := status["other@example.com"]; got.Status != "rejected" {
		t.Fatalf("Wrong status: %+v", got)
	}
}

func TestStore_StatusBeforeAudit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auditID, err := env.dir.AddAudit(ctx, "foxcpp", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	// Synchronous delivery reports the outcome before archiving finishes.
	accepted := module.DeliveryStatus{Seq: "1", Status: "accepted", Response: "250 ok", Recipient: "rcpt@example.com", Time: testTime}
	if err := env.store.UpdateDeliveryStatus(ctx, testMeta.QueueID, accepted); err != nil {
		t.Fatal(err)
	}
	meta := module.AuditMeta{MessageMeta: testMeta, MessageID: "m1@example.org"}
	if err := env.store.StoreAudit(ctx, auditID, []byte(testMsg), meta); err != nil {
		t.Fatal(err)
	}

	msgs, err := env.store.AuditMessages(ctx, auditID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatal("Wrong count:", len(msgs))
	}
	if got := msgs[0].Status["rcpt@example.com"]; got.Status != "accepted" || got.Response != "250 ok" {
		t.Fatalf("Status lost: %+v", msgs[0].Status)
	}
}

func TestStore_StatusRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auditID, err := env.dir.AddAudit(ctx, "foxcpp", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.StoreAudit(ctx, auditID, []byte(testMsg), module.AuditMeta{MessageMeta: testMeta}); err != nil {
		t.Fatal(err)
	}

	st := module.DeliveryStatus{Status: "accepted", Recipient: "rcpt@example.com"}
	if err := env.store.UpdateDeliveryStatus(ctx, testMeta.QueueID, st); err != nil {
		t.Fatal(err)
	}
	if err := env.store.UpdateDeliveryStatus(ctx, "unaudited", st); err != nil {
		t.Fatal(err)
	}

	env.store.now = testutils.Clock(testTime.Add(DefaultStatusRetention + time.Hour))
	if err := env.store.UpdateDeliveryStatus(ctx, "fresh", st); err != nil {
		t.Fatal(err)
	}

	count := func(queueID string) int {
		t.Helper()
		var n int
		err := env.store.db.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_statuses WHERE queue_id = ?`, queueID).Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		return n
	}
	if count("unaudited") != 0 {
		t.Error("Stale status of an unaudited message kept")
	}
	if count(testMeta.QueueID) != 1 {
		t.Error("Status of an audited message pruned")
	}
	if count("fresh") != 1 {
		t.Error("Fresh status pruned")
	}
}
