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
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
)

// Transport describes how the message reached the server. It is used to
// synthesize the Received header and archive metadata.
type Transport struct {
	// Proto is the transmission type, e.g. ESMTPSA.
	Proto string
	// Host is the HELO/EHLO name of the client.
	Host string
	// OriginHost is the reverse DNS name of the client, if known.
	OriginHost string
	RemoteAddr net.Addr
	Time       time.Time
	TLS        *TLSInfo
}

// RemoteIP returns the IP part of RemoteAddr.
func (t Transport) RemoteIP() string {
	s := Session{RemoteAddr: t.RemoteAddr}
	return s.RemoteIP()
}

// Envelope is the in-progress message: sender, recipients and headers of one
// SMTP transaction. It is created by the host when the transaction starts
// and mutated in place by the pipeline stages that run before queuing.
//
// Envelope is not safe for concurrent use. Stages that need it after the
// hook returns must work on a Clone.
type Envelope struct {
	// ID is the queue identifier. Message body is stored in the BlobStore
	// under this key.
	ID        string
	Interface string

	From string
	To   []string

	// Header is the message header. It is nil until DATA is received.
	Header *textproto.Header

	// User is the identity tag of the authenticated client
	// (canonicalUsername[loginAlias]).
	User string

	Transport Transport
	BodySize  int64

	// Envelope-scoped UserRecord cache. It lives exactly as long as the
	// envelope does and is never shared with other envelopes.
	cachedUser *UserRecord
}

// CachedUser returns the UserRecord resolved earlier for this envelope.
func (e *Envelope) CachedUser() *UserRecord {
	return e.cachedUser
}

// CacheUser stores the UserRecord for the remaining lifetime of the envelope.
func (e *Envelope) CacheUser(u *UserRecord) {
	e.cachedUser = u
}

// Clone returns a deep copy of the envelope, including the user cache.
func (e *Envelope) Clone() *Envelope {
	cpy := *e
	cpy.To = append([]string(nil), e.To...)
	if e.Header != nil {
		hdr := e.Header.Copy()
		cpy.Header = &hdr
	}
	return &cpy
}

// Username returns the canonical username part of the identity tag (text
// before the first '[').
func (e *Envelope) Username() string {
	return TagUsername(e.User)
}

// TagUsername returns the canonical username part of an identity tag.
func TagUsername(tag string) string {
	if i := strings.IndexByte(tag, '['); i != -1 {
		return tag[:i]
	}
	return tag
}

// TagLogin returns the login alias inside [...] of the identity tag or the
// whole tag if there are no brackets.
func TagLogin(tag string) string {
	start := strings.IndexByte(tag, '[')
	end := strings.LastIndexByte(tag, ']')
	if start == -1 || end < start {
		return tag
	}
	return tag[start+1 : end]
}

// IdentityTag builds the canonicalUsername[loginAlias] tag.
func IdentityTag(canonical, login string) string {
	return canonical + "[" + login + "]"
}
