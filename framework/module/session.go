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
	"crypto/tls"
	"net"
)

// TLSInfo describes the negotiated TLS parameters of a connection.
type TLSInfo struct {
	Version string
	Cipher  string
}

// TLSInfoFromState converts the crypto/tls connection state. It returns nil
// for plaintext connections.
func TLSInfoFromState(state *tls.ConnectionState) *TLSInfo {
	if state == nil || !state.HandshakeComplete {
		return nil
	}
	return &TLSInfo{
		Version: tls.VersionName(state.Version),
		Cipher:  tls.CipherSuiteName(state.CipherSuite),
	}
}

// Session is the per-connection state owned by the host server.
type Session struct {
	ID        string
	Interface string

	RemoteAddr net.Addr
	// Hostname is the name the client gave in EHLO/HELO.
	Hostname string

	TLS *TLSInfo

	// AuthUser is the identity tag set after successful authentication, in
	// the canonicalUsername[loginAlias] form.
	AuthUser string
}

// RemoteIP returns the client IP address or an empty string if it is not
// known.
func (s *Session) RemoteIP() string {
	if s == nil || s.RemoteAddr == nil {
		return ""
	}
	if tcpAddr, ok := s.RemoteAddr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(s.RemoteAddr.String())
	if err != nil {
		return s.RemoteAddr.String()
	}
	return host
}

// Credentials is what the client presented to the auth hook.
type Credentials struct {
	Username string
	Password string

	// Proxied is set when an upstream proxy already authenticated the client
	// and only asserts the username. Password is ignored then.
	Proxied bool

	// Protocol is the protocol tag passed to the directory ("smtp").
	Protocol string
}
