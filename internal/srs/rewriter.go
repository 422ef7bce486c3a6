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

package srs

import (
	"context"
	"strings"

	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

const (
	OriginalSenderHeader = "X-Original-Sender"
	ForwardedFromHeader  = "X-Forwarded-From"
	ForwardedToHeader    = "X-Forwarded-To"
	ForwardedForHeader   = "X-Forwarded-For"
)

// Rewriter is the pre-connect stage for forwarded deliveries.
type Rewriter struct {
	// Codec is nil if SRS is disabled.
	Codec *Codec
	Log   log.Logger
}

func NewRewriter(codec *Codec, logger log.Logger) *Rewriter {
	return &Rewriter{Codec: codec, Log: logger}
}

func (r *Rewriter) enabled() bool {
	return r.Codec != nil && r.Codec.Domain != "" && len(r.Codec.Secret) != 0
}

// DeliveryHeaders rewrites the sender of forwarded deliveries and adds the
// forwarding trace fields. It never fails: a sender that cannot be
// rewritten is left as is.
func (r *Rewriter) DeliveryHeaders(ctx context.Context, d *module.Delivery, _ module.ConnectionInfo) error {
	if d.ForwardedFor != "" && d.Header != nil {
		d.Header.Set(ForwardedForHeader, d.ForwardedFor)
	}
	if !d.Forwarding {
		return nil
	}

	origSender := d.From
	if r.enabled() && !d.SkipSRS && origSender != "" {
		rewritten, err := r.Codec.Forward(origSender)
		if err != nil {
			srsRewrites.WithLabelValues("failed").Inc()
			r.Log.Error("cannot rewrite sender", err, "msg_id", d.ID, "seq", d.Seq, "sender", origSender)
		} else if rewritten != origSender {
			srsRewrites.WithLabelValues("rewritten").Inc()
			r.Log.DebugMsg("sender rewritten", "msg_id", d.ID, "seq", d.Seq, "sender", origSender, "srs", rewritten)
			d.From = rewritten
			if d.Header != nil {
				d.Header.Set(OriginalSenderHeader, origSender)
			}
		}
	}

	if d.Header != nil {
		d.Header.Set(ForwardedFromHeader, origSender)
		d.Header.Set(ForwardedToHeader, strings.Join(d.To, ", "))
	}
	return nil
}
