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

package testutils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/module"
)

// Lines is a concurrency-safe list of strings.
type Lines struct {
	mu    sync.Mutex
	lines []string
}

func (l *Lines) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *Lines) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Contains reports whether any line contains substr.
func (l *Lines) Contains(substr string) bool {
	for _, line := range l.All() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// Directory is the in-memory module.Directory.
//
// Addresses are keyed by the address.ForOwnership form, wildcard entries are
// keyed as *@domain.
type Directory struct {
	Users     map[string]*module.UserRecord
	Addresses map[string]*module.AddressRecord
	// Passwords maps username to password and scope.
	Passwords  map[string][2]string
	Require2FA map[string]bool

	AuthErr    error
	FindErr    error
	ResolveErr error

	mu        sync.Mutex
	FindCalls int
	AuthCalls int
}

func (d *Directory) Authenticate(_ context.Context, username, password string, _ module.AuthInfo) (*module.AuthResult, error) {
	d.mu.Lock()
	d.AuthCalls++
	d.mu.Unlock()
	if d.AuthErr != nil {
		return nil, d.AuthErr
	}
	pass, ok := d.Passwords[username]
	if !ok || pass[0] != password {
		return nil, nil
	}
	u := d.Users[username]
	if u == nil {
		return nil, nil
	}
	return &module.AuthResult{
		UserID:     u.ID,
		Username:   u.Username,
		Scope:      pass[1],
		Require2FA: d.Require2FA[username],
	}, nil
}

func (d *Directory) FindByUsername(_ context.Context, username string) (*module.UserRecord, error) {
	d.mu.Lock()
	d.FindCalls++
	d.mu.Unlock()
	if d.FindErr != nil {
		return nil, d.FindErr
	}
	u, ok := d.Users[username]
	if !ok {
		return nil, nil
	}
	cpy := *u
	return &cpy, nil
}

func (d *Directory) ResolveAddress(_ context.Context, addr string, opts module.ResolveOpts) (*module.AddressRecord, error) {
	if d.ResolveErr != nil {
		return nil, d.ResolveErr
	}
	if rec, ok := d.Addresses[addr]; ok {
		return rec, nil
	}
	if !opts.Wildcard {
		return nil, nil
	}
	wildcard, err := address.Wildcard(addr)
	if err != nil {
		return nil, nil
	}
	if rec, ok := d.Addresses[wildcard]; ok {
		return rec, nil
	}
	return nil, nil
}

type StoredMessage struct {
	UserID     string
	SpecialUse string
	Raw        []byte
	Meta       module.MessageMeta
	Flags      []string
}

// MessageStore is the in-memory module.MessageStore with content-hash
// deduplication.
type MessageStore struct {
	Err error

	mu       sync.Mutex
	Messages []StoredMessage
	hashes   map[string]struct{}
}

func (s *MessageStore) StoreMessage(_ context.Context, userID, specialUse string, raw []byte, meta module.MessageMeta, opts module.StoreOpts) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256(raw)
	key := userID + "\x00" + specialUse + "\x00" + hex.EncodeToString(sum[:])
	if s.hashes == nil {
		s.hashes = make(map[string]struct{})
	}
	if _, ok := s.hashes[key]; ok && opts.Dedupe {
		return false, nil
	}
	s.hashes[key] = struct{}{}
	s.Messages = append(s.Messages, StoredMessage{
		UserID:     userID,
		SpecialUse: specialUse,
		Raw:        append([]byte(nil), raw...),
		Meta:       meta,
		Flags:      opts.Flags,
	})
	return true, nil
}

func (s *MessageStore) Stored() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredMessage(nil), s.Messages...)
}

type StoredAudit struct {
	AuditID string
	Raw     []byte
	Meta    module.AuditMeta
}

type StatusUpdate struct {
	QueueID string
	Status  module.DeliveryStatus
}

// AuditStore is the in-memory module.AuditStore.
type AuditStore struct {
	Captures map[string][]module.AuditCapture

	ListErr   error
	StoreErr  error
	UpdateErr error

	mu      sync.Mutex
	Stored  []StoredAudit
	Updates []StatusUpdate
}

func (s *AuditStore) ListAudits(_ context.Context, userID string) ([]module.AuditCapture, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return s.Captures[userID], nil
}

func (s *AuditStore) StoreAudit(_ context.Context, auditID string, raw []byte, meta module.AuditMeta) error {
	if s.StoreErr != nil {
		return s.StoreErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stored = append(s.Stored, StoredAudit{AuditID: auditID, Raw: raw, Meta: meta})
	return nil
}

func (s *AuditStore) UpdateDeliveryStatus(_ context.Context, queueID string, status module.DeliveryStatus) error {
	s.mu.Lock()
	s.Updates = append(s.Updates, StatusUpdate{QueueID: queueID, Status: status})
	s.mu.Unlock()
	return s.UpdateErr
}

func (s *AuditStore) StoredAudits() []StoredAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredAudit(nil), s.Stored...)
}

func (s *AuditStore) StatusUpdates() []StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusUpdate(nil), s.Updates...)
}

// DKIMStore is the in-memory module.DKIMStore.
type DKIMStore struct {
	Keys map[string]module.DKIMKey
	Errs map[string]error

	mu      sync.Mutex
	Lookups []string
}

func (s *DKIMStore) LookupDKIM(_ context.Context, domain string) (module.DKIMKey, error) {
	s.mu.Lock()
	s.Lookups = append(s.Lookups, domain)
	s.mu.Unlock()

	if err := s.Errs[domain]; err != nil {
		return module.DKIMKey{}, err
	}
	key, ok := s.Keys[domain]
	if !ok {
		return module.DKIMKey{}, module.ErrNoSuchKey
	}
	return key, nil
}

// EventSink records emitted events.
type EventSink struct {
	mu     sync.Mutex
	Events []module.Event
}

func (s *EventSink) Emit(ev module.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
}

func (s *EventSink) All() []module.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]module.Event(nil), s.Events...)
}

// Find returns events with the specified message.
func (s *EventSink) Find(msg string) []module.Event {
	var res []module.Event
	for _, ev := range s.All() {
		if ev.Message == msg {
			res = append(res, ev)
		}
	}
	return res
}

// BlobStore is the in-memory module.BlobStore.
type BlobStore struct {
	CreateErr error
	OpenErr   error

	mu    sync.Mutex
	Blobs map[string][]byte
}

type memBlob struct {
	store *BlobStore
	key   string
	buf   bytes.Buffer
}

func (b *memBlob) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *memBlob) Sync() error {
	b.store.Put(b.key, b.buf.Bytes())
	return nil
}

func (b *memBlob) Close() error {
	return nil
}

func (s *BlobStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Blobs == nil {
		s.Blobs = make(map[string][]byte)
	}
	s.Blobs[key] = append([]byte(nil), data...)
}

func (s *BlobStore) Create(_ context.Context, key string, _ int64) (module.Blob, error) {
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	return &memBlob{store: s, key: key}, nil
}

func (s *BlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.Blobs[key]
	if !ok {
		return nil, module.ErrNoSuchBlob
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BlobStore) Delete(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.Blobs, k)
	}
	return nil
}

// Clock returns the function that always reports t.
func Clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
