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

// Package dkim selects DKIM signing keys for outbound deliveries and signs
// messages with them.
package dkim

import (
	"context"
	"errors"

	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/dns"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

// WildcardDomain is the store key of the fallback signing key.
const WildcardDomain = "*"

type lookupStep struct {
	name   string
	domain func(domain string) string
}

// keyChain is tried in order, the first key found wins.
var keyChain = []lookupStep{
	{"exact", func(domain string) string { return domain }},
	{"wildcard", func(string) string { return WildcardDomain }},
}

type Selector struct {
	Store module.DKIMStore
	// SignTransportDomain adds a key for the domain of the outbound
	// transport itself.
	SignTransportDomain bool
	Log                 log.Logger
}

func NewSelector(store module.DKIMStore, signTransport bool, logger log.Logger) *Selector {
	return &Selector{Store: store, SignTransportDomain: signTransport, Log: logger}
}

// DeliveryConnect attaches the signing keys for the delivery. Store errors
// are logged and treated as a missing key, so the delivery goes on
// unsigned.
func (s *Selector) DeliveryConnect(ctx context.Context, d *module.Delivery, opts module.ConnectOptions) error {
	if s.Store == nil {
		return nil
	}

	senderDomain := address.Domain(d.From)
	if senderDomain == "" {
		senderDomain = address.Domain(d.HeaderFrom)
	}
	if senderDomain != "" {
		s.attach(ctx, d, senderDomain, "sender")
	}

	if s.SignTransportDomain && opts.TransportDomain != "" {
		s.attach(ctx, d, opts.TransportDomain, "transport")
	}
	return nil
}

func (s *Selector) attach(ctx context.Context, d *module.Delivery, domain, kind string) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		s.Log.Error("cannot normalize domain", err, "msg_id", d.ID, "domain", domain)
		return
	}
	if d.HasDKIMKey(normDomain) {
		return
	}

	key, step, ok := s.lookup(ctx, d, normDomain)
	if !ok {
		s.Log.DebugMsg("no DKIM key", "msg_id", d.ID, "domain", normDomain, "kind", kind)
		return
	}
	key.Domain = normDomain
	if d.AddDKIMKey(key) {
		keysAttached.WithLabelValues(kind, step).Inc()
		s.Log.DebugMsg("DKIM key attached", "msg_id", d.ID, "domain", normDomain, "selector", key.Selector, "kind", kind, "match", step)
	}
}

func (s *Selector) lookup(ctx context.Context, d *module.Delivery, domain string) (module.DKIMKey, string, bool) {
	for _, step := range keyChain {
		key, err := s.Store.LookupDKIM(ctx, step.domain(domain))
		if err != nil {
			if !errors.Is(err, module.ErrNoSuchKey) {
				s.Log.Error("DKIM key lookup failed", err, "msg_id", d.ID, "domain", domain, "match", step.name)
			}
			continue
		}
		if key.Signer == nil {
			continue
		}
		return key, step.name, true
	}
	return module.DKIMKey{}, "", false
}
