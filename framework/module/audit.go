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

package module

import (
	"context"
	"time"
)

// AuditCapture is a time-windowed request to keep copies of the mail of a
// user.
type AuditCapture struct {
	ID     string
	UserID string
	// Start and End bound the active window. Zero value means the window
	// is unbounded on that side.
	Start time.Time
	End   time.Time
}

// Active reports whether t falls into the capture window.
func (a AuditCapture) Active(t time.Time) bool {
	if !a.Start.IsZero() && t.Before(a.Start) {
		return false
	}
	if !a.End.IsZero() && t.After(a.End) {
		return false
	}
	return true
}

// AuditMeta is stored with each audit copy.
type AuditMeta struct {
	MessageMeta
	MessageID      string
	Subject        string
	HasAttachments bool
}

// DeliveryStatus is the latest known outcome of a delivery attempt of an
// audited message.
type DeliveryStatus struct {
	Seq       string
	Status    string
	Response  string
	Recipient string
	MX        string
	Time      time.Time
}

type AuditStore interface {
	// ListAudits returns all captures of the user, active or not.
	ListAudits(ctx context.Context, userID string) ([]AuditCapture, error)
	StoreAudit(ctx context.Context, auditID string, raw []byte, meta AuditMeta) error
	// UpdateDeliveryStatus updates the status of all audit copies of the
	// message with the specified queue ID.
	UpdateDeliveryStatus(ctx context.Context, queueID string, status DeliveryStatus) error
}
