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

// Package rewrite forces the envelope sender and the header From of
// submitted messages to addresses the authenticated user may use.
package rewrite

import (
	"bytes"
	"context"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/identity"
)

// OriginalFromHeader keeps the unmodified header From value after rewriting.
const OriginalFromHeader = "X-Original-From"

type Rewriter struct {
	Identity *identity.Resolver
	Events   module.EventSink
	Log      log.Logger
}

func New(ident *identity.Resolver, events module.EventSink, logger log.Logger) *Rewriter {
	return &Rewriter{Identity: ident, Events: events, Log: logger}
}

// Headers rewrites env.From and the header From in place.
//
// The envelope sender is replaced with the user default address unless the
// user owns it or is a forwarding target of it. The header From is kept if
// it matches the envelope sender or is authorized on its own, otherwise its
// address is replaced with the envelope sender and the original value is
// saved to X-Original-From. A header From that cannot be parsed is
// replaced the same way.
func (r *Rewriter) Headers(ctx context.Context, env *module.Envelope) error {
	user, err := r.Identity.GetUser(ctx, env)
	if err != nil {
		return err
	}

	ok, err := r.Identity.Authorized(ctx, user, env.From)
	if err != nil {
		return err
	}
	if !ok {
		r.emit(env, user, "envelope", env.From, user.Address)
		env.From = user.Address
	}

	if env.Header == nil {
		return nil
	}
	hdrFrom, err := firstFrom(env.Header)
	if err != nil {
		// Nothing to check ownership of, so it is not authorized.
		r.Log.Msg("cannot parse header From, replacing it", "msg_id", env.ID, "reason", err.Error())
		r.emit(env, user, "header", env.Header.Get("From"), env.From)
		return rewriteFrom(env.Header, &mail.Address{}, env.From)
	}
	if hdrFrom == nil {
		return nil
	}

	if address.SameOwner(hdrFrom.Address, env.From) {
		return nil
	}

	ok, err = r.Identity.Authorized(ctx, user, hdrFrom.Address)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	r.emit(env, user, "header", hdrFrom.Address, env.From)
	return rewriteFrom(env.Header, hdrFrom, env.From)
}

func (r *Rewriter) emit(env *module.Envelope, user *module.UserRecord, kind, from, to string) {
	senderRewrites.WithLabelValues(kind).Inc()
	r.Events.Emit(module.Event{
		Message: "sender rewritten",
		Fields: map[string]interface{}{
			"_queue_id": env.ID,
			"_user":     user.Username,
			"_kind":     kind,
			"_from":     from,
			"_to":       to,
		},
	})
}

// firstFrom returns the first mailbox of the header From field. Group
// syntax is ignored and yields nil.
func firstFrom(hdr *textproto.Header) (*mail.Address, error) {
	value := hdr.Get("From")
	if strings.TrimSpace(value) == "" || isGroup(value) {
		return nil, nil
	}
	list, err := mail.ParseAddressList(value)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// isGroup reports whether the field value starts with the group syntax
// (display-name ":" mailbox-list ";"). Quoted strings and comments are
// skipped.
func isGroup(value string) bool {
	inQuote := false
	depth := 0
	for i := 0; i < len(value); i++ {
		switch ch := value[i]; {
		case ch == '\\':
			i++
		case inQuote:
			if ch == '"' {
				inQuote = false
			}
		case ch == '(':
			depth++
		case ch == ')':
			if depth > 0 {
				depth--
			}
		case depth > 0:
		case ch == '"':
			inQuote = true
		case ch == '<', ch == '@':
			return false
		case ch == ':':
			return true
		}
	}
	return false
}

func rewriteFrom(hdr *textproto.Header, orig *mail.Address, sender string) error {
	raw, err := hdr.Raw("From")
	if err != nil {
		return err
	}

	// Keep the original bytes, folding included.
	value := raw[bytes.IndexByte(raw, ':')+1:]
	value = bytes.TrimSuffix(value, []byte("\r\n"))
	diag := make([]byte, 0, len(OriginalFromHeader)+len(value)+3)
	diag = append(diag, OriginalFromHeader+":"...)
	diag = append(diag, value...)
	diag = append(diag, "\r\n"...)

	newFrom := &mail.Address{Name: orig.Name, Address: sender}
	hdr.Set("From", newFrom.String())
	hdr.AddRaw(diag)
	return nil
}
