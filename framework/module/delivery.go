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
	"crypto"

	"github.com/emersion/go-message/textproto"
)

// DKIMKey is a signing key attached to a delivery.
type DKIMKey struct {
	// Domain is the signing domain (d=) in the ForLookup form. Never "*":
	// wildcard keys take the name of the domain they were selected for.
	Domain   string
	Selector string
	Signer   crypto.Signer
}

// Delivery is one outbound transport attempt for a queued message.
type Delivery struct {
	// ID is the queue identifier of the message.
	ID string
	// Seq is the attempt sequence number, e.g. "001".
	Seq string

	From string
	To   []string

	Header *textproto.Header

	// HeaderFrom is the address from the header From field, used when the
	// envelope sender is empty.
	HeaderFrom string

	// Zone is the name of the outbound sending zone.
	Zone string
	// Domain is the destination domain.
	Domain string

	Interface string

	// Forwarding is set for messages relayed on behalf of a forwarding
	// address. Only such deliveries get SRS.
	Forwarding bool
	// ForwardedFor is the forwarding annotation copied into the
	// X-Forwarded-For header.
	ForwardedFor string
	SkipSRS      bool

	// DKIMKeys are appended in lookup order, at most one per domain.
	DKIMKeys []DKIMKey
}

// HasDKIMKey reports whether a key for domain is already attached.
func (d *Delivery) HasDKIMKey(domain string) bool {
	for _, k := range d.DKIMKeys {
		if k.Domain == domain {
			return true
		}
	}
	return false
}

// AddDKIMKey appends the key unless a key for the same domain is already
// attached or the key domain is the wildcard.
func (d *Delivery) AddDKIMKey(key DKIMKey) bool {
	if key.Domain == "" || key.Domain == "*" || d.HasDKIMKey(key.Domain) {
		return false
	}
	d.DKIMKeys = append(d.DKIMKeys, key)
	return true
}

// ConnectionInfo is passed to the pre-connect hook.
type ConnectionInfo struct {
	// LocalHostname is the name the server uses in EHLO.
	LocalHostname string
	// RemoteHost is the host the delivery will connect to.
	RemoteHost string
}

// ConnectOptions is passed to the connect-time hook.
type ConnectOptions struct {
	// TransportDomain is the domain of the outbound transport itself. It gets
	// a DKIM key of its own when transport signing is enabled.
	TransportDomain string
}
