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

package address

import (
	"errors"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrTooLong    = errors.New("address: address is too long")
	ErrBadMailbox = errors.New("address: invalid characters in local-part")
	ErrBadDomain  = errors.New("address: invalid domain")
	ErrBadLiteral = errors.New("address: invalid address literal")
)

// Check reports why addr is not acceptable as an envelope address.
//
// The rules are a subset of RFC 5321 and RFC 6531: local-parts may
// contain UTF-8, domains may be U-labels or [IP] literals. A bare
// "postmaster" is accepted.
func Check(addr string) error {
	// RFC 3696 errata: 64 + 1 + 255.
	if len(addr) > 320 {
		return ErrTooLong
	}

	mbox, domain, err := Split(addr)
	if err != nil {
		return err
	}
	if domain == "" {
		return nil
	}

	if !ValidMailboxName(mbox) {
		return ErrBadMailbox
	}
	if strings.HasPrefix(domain, "[") {
		if !validLiteral(domain) {
			return ErrBadLiteral
		}
		return nil
	}
	if !ValidDomain(domain) {
		return ErrBadDomain
	}
	return nil
}

// Valid is Check(addr) == nil.
func Valid(addr string) bool {
	return Check(addr) == nil
}

func validLiteral(lit string) bool {
	if !strings.HasSuffix(lit, "]") {
		return false
	}
	lit = lit[1 : len(lit)-1]
	if v6, ok := strings.CutPrefix(lit, "IPv6:"); ok {
		ip := net.ParseIP(v6)
		return ip != nil && ip.To4() == nil
	}
	ip := net.ParseIP(lit)
	return ip != nil && ip.To4() != nil
}

func atext(ch rune) bool {
	switch {
	case ch >= '0' && ch <= '9', ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z':
		return true
	case ch > 0x7F:
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~.", ch)
}

// ValidMailboxName checks whether the specified string is a valid mailbox-name
// element of e-mail address (left part of it, before at-sign).
func ValidMailboxName(mbox string) bool {
	if len(mbox) > 64 {
		return false
	}
	if !strings.HasPrefix(mbox, `"`) {
		for _, ch := range mbox {
			if !atext(ch) {
				return false
			}
		}
		return true
	}

	raw, err := UnquoteMbox(mbox)
	if err != nil {
		return false
	}
	// Any graphic or space inside quotes, no control characters.
	for _, ch := range raw {
		if ch < ' ' || ch == 0x7F {
			return false
		}
	}
	return true
}

// ValidDomain checks whether the specified string is a valid DNS domain.
// A single trailing dot is allowed.
func ValidDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > 255 {
		return false
	}
	domain = strings.TrimSuffix(domain, ".")

	// Length limits apply to A-labels while the rest of the code works
	// with U-labels.
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
	}
	return true
}
