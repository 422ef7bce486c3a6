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
	"strings"
	"unicode/utf8"

	"github.com/foxcpp/sendpolicy/framework/dns"
	"golang.org/x/text/unicode/norm"
)

// ForLookup transforms the local-part of the address into a canonical form
// usable for map lookups or direct comparisons.
//
// If Equal(addr1, addr2) == true, then ForLookup(addr1) == ForLookup(addr2).
//
// On error, case-folded addr is also returned.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	if domain != "" {
		domain, err = dns.ForLookup(domain)
		if err != nil {
			return strings.ToLower(addr), err
		}
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))

	if domain == "" {
		return mbox, nil
	}

	return mbox + "@" + domain, nil
}

// ForOwnership returns the form of the address used to decide whether an
// account may use it: ForLookup followed by removal of all dots from the
// local-part. The domain keeps its dots.
//
// Directory entries are stored in this form, so every comparison of a
// user-supplied address against them must go through this function.
// Otherwise "j.doe@example.org" would slip past a check for
// "jdoe@example.org".
//
// On error, the same transformation is applied to the whole string as a
// best effort.
func ForOwnership(addr string) (string, error) {
	folded, err := ForLookup(addr)
	if err != nil {
		if i := strings.LastIndexByte(folded, '@'); i != -1 {
			return stripDots(folded[:i]) + folded[i:], err
		}
		return stripDots(folded), err
	}

	mbox, domain, err := Split(folded)
	if err != nil {
		return folded, err
	}
	mbox = stripDots(mbox)
	if domain == "" {
		return mbox, nil
	}
	if mbox == "" {
		return "@" + domain, errors.New("address: local-part consists only of dots")
	}
	return mbox + "@" + domain, nil
}

func stripDots(s string) string {
	return strings.ReplaceAll(s, ".", "")
}

// SameOwner reports whether addr1 and addr2 have equal ForOwnership forms.
func SameOwner(addr1, addr2 string) bool {
	o1, err1 := ForOwnership(addr1)
	o2, err2 := ForOwnership(addr2)
	if err1 != nil || err2 != nil {
		return false
	}
	return o1 == o2
}

// Wildcard returns the catch-all form of the address domain (*@domain).
func Wildcard(addr string) (string, error) {
	_, domain, err := Split(addr)
	if err != nil {
		return "", err
	}
	if domain == "" {
		return "", ErrNoDomain
	}
	domain, err = dns.ForLookup(domain)
	if err != nil {
		return "", err
	}
	return "*@" + domain, nil
}

// Equal reports whether addr1 and addr2 are considered to be
// case-insensitively equivalent.
//
// The equivalence is defined to be the conjunction of IDN label equivalence
// for the domain part and canonical equivalence of the local-part converted
// to lower case.
//
// Equivalence for malformed addresses is defined using regular byte-string
// comparison with case-folding applied.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}

	uAddr1, _ := ForLookup(addr1)
	uAddr2, _ := ForLookup(addr2)
	return uAddr1 == uAddr2
}

func IsASCII(s string) bool {
	for _, ch := range s {
		if ch >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
