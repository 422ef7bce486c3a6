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

// Package srs implements the Sender Rewriting Scheme for forwarded mail.
//
// Forward rewrites the envelope sender of a forwarded message into an
// address in the local rewrite domain so that bounces come back here.
// Reverse recovers the original sender from such an address.
//
// The encoding is compatible with libsrs2 and postsrsd:
//
//	SRS0=HHHH=TT=orig-domain=orig-local@rewrite-domain
//	SRS1=HHHH=first-hop-domain==HHHH=TT=orig-domain=orig-local@rewrite-domain
//
// HHHH is the truncated base64 HMAC-SHA1 of the rest of the address, TT is
// the day number modulo 1024 in base32.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/sendpolicy/framework/address"
)

const (
	// DefaultMaxAge is how long a rewritten address stays valid.
	DefaultMaxAge = 21 * 24 * time.Hour

	hashLength    = 4
	timePrecision = 24 * time.Hour
	timeSlots     = 1024
	base32Chars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

var (
	ErrNotSRS    = errors.New("srs: not an SRS address")
	ErrMalformed = errors.New("srs: malformed address")
	ErrHash      = errors.New("srs: hash mismatch")
	ErrExpired   = errors.New("srs: timestamp expired")
	ErrNoSecret  = errors.New("srs: secret is not set")
)

type Codec struct {
	Secret []byte
	// Domain is the rewrite domain, the domain part of produced addresses.
	Domain string
	MaxAge time.Duration

	now func() time.Time
}

func New(secret, domain string) *Codec {
	return &Codec{
		Secret: []byte(secret),
		Domain: domain,
		MaxAge: DefaultMaxAge,
		now:    time.Now,
	}
}

func (c *Codec) hash(parts ...string) string {
	mac := hmac.New(sha1.New, c.Secret)
	for _, p := range parts {
		// Case is not preserved by all MTAs.
		mac.Write([]byte(strings.ToLower(p)))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))[:hashLength]
}

func (c *Codec) checkHash(hash string, parts ...string) error {
	if len(hash) != hashLength {
		return ErrHash
	}
	if !hmac.Equal([]byte(strings.ToLower(hash)), []byte(strings.ToLower(c.hash(parts...)))) {
		return ErrHash
	}
	return nil
}

func timestamp(t time.Time) string {
	day := (t.Unix() / int64(timePrecision/time.Second)) % timeSlots
	return string([]byte{base32Chars[day>>5], base32Chars[day&31]})
}

func (c *Codec) checkTimestamp(ts string) error {
	if len(ts) != 2 {
		return fmt.Errorf("%w: timestamp %q", ErrMalformed, ts)
	}
	var then int64
	for _, ch := range strings.ToUpper(ts) {
		idx := strings.IndexRune(base32Chars, ch)
		if idx < 0 {
			return fmt.Errorf("%w: timestamp %q", ErrMalformed, ts)
		}
		then = then<<5 | int64(idx)
	}

	today := (c.now().Unix() / int64(timePrecision/time.Second)) % timeSlots
	age := (today - then + timeSlots) % timeSlots
	if time.Duration(age)*timePrecision > c.maxAge() {
		return ErrExpired
	}
	return nil
}

func (c *Codec) maxAge() time.Duration {
	if c.MaxAge <= 0 {
		return DefaultMaxAge
	}
	return c.MaxAge
}

// isSRS reports whether local starts with the given SRS tag followed by one
// of the separators used in the wild.
func isSRS(local, tag string) bool {
	if len(local) < len(tag)+1 || !strings.EqualFold(local[:len(tag)], tag) {
		return false
	}
	switch local[len(tag)] {
	case '=', '+', '-':
		return true
	}
	return false
}

// Forward rewrites sender into the rewrite domain.
//
// Senders already in the rewrite domain are returned unchanged. SRS0
// addresses from other forwarders are wrapped into SRS1 and SRS1
// addresses get a new hash only, keeping the chain length constant.
func (c *Codec) Forward(sender string) (string, error) {
	if len(c.Secret) == 0 {
		return "", ErrNoSecret
	}
	if err := address.Check(sender); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	local, domain, err := address.Split(sender)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if domain == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformed, sender)
	}
	if strings.EqualFold(domain, c.Domain) {
		return sender, nil
	}

	switch {
	case isSRS(local, "SRS0"):
		rest := local[4:]
		return "SRS1=" + c.hash(domain, rest) + "=" + domain + "=" + rest + "@" + c.Domain, nil
	case isSRS(local, "SRS1"):
		parts := strings.SplitN(local[5:], "=", 3)
		if len(parts) != 3 || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrMalformed, sender)
		}
		firstHop, rest := parts[1], parts[2]
		return "SRS1=" + c.hash(firstHop, rest) + "=" + firstHop + "=" + rest + "@" + c.Domain, nil
	}

	ts := timestamp(c.now())
	return "SRS0=" + c.hash(ts, domain, local) + "=" + ts + "=" + domain + "=" + local + "@" + c.Domain, nil
}

// Reverse recovers the address a bounce should go to.
//
// For SRS0 that is the original sender. For SRS1 that is the SRS0 address
// of the first forwarder.
func (c *Codec) Reverse(addr string) (string, error) {
	if len(c.Secret) == 0 {
		return "", ErrNoSecret
	}
	local, _, err := address.Split(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case isSRS(local, "SRS0"):
		parts := strings.SplitN(local[5:], "=", 4)
		if len(parts) != 4 || parts[2] == "" || parts[3] == "" {
			return "", fmt.Errorf("%w: %q", ErrMalformed, addr)
		}
		hash, ts, domain, origLocal := parts[0], parts[1], parts[2], parts[3]
		if err := c.checkHash(hash, ts, domain, origLocal); err != nil {
			return "", err
		}
		if err := c.checkTimestamp(ts); err != nil {
			return "", err
		}
		return origLocal + "@" + domain, nil
	case isSRS(local, "SRS1"):
		parts := strings.SplitN(local[5:], "=", 3)
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return "", fmt.Errorf("%w: %q", ErrMalformed, addr)
		}
		hash, firstHop, rest := parts[0], parts[1], parts[2]
		if err := c.checkHash(hash, firstHop, rest); err != nil {
			return "", err
		}
		return "SRS0" + rest + "@" + firstHop, nil
	}
	return "", ErrNotSRS
}
