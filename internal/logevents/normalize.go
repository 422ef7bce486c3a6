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

package logevents

import (
	"context"
	"strings"

	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

func (q *Queued) fields(f map[string]interface{}) {
	f["_to"] = q.To
	f["_body_size"] = q.BodySize
	f["_spam_score"] = q.SpamScore
	f["_interface"] = q.Interface
	f["_proto"] = q.Protocol
	f["_subject"] = q.Subject
	f["_message_id"] = q.MessageID
	f["_user"] = q.User
}

func (d *Delivery) fields(f map[string]interface{}) {
	f["_seq"] = d.Seq
	f["_to"] = d.To
	f["_response"] = d.Response
	f["_zone"] = d.Zone
	f["_mx"] = d.MX
	f["_ip"] = d.IP
}

func (n *NoQueue) fields(f map[string]interface{}) {
	f["_to"] = n.To
	f["_response"] = n.Response
	f["_interface"] = n.Interface
	f["_proto"] = n.Protocol
	f["_user"] = n.User
	f["_ip"] = n.IP
}

func (r *Removed) fields(f map[string]interface{}) {
	f["_reason"] = r.Reason
}

// Normalize flattens the event into the sink record. Keys follow the GELF
// convention of additional fields.
func Normalize(ev Event) module.Event {
	b := ev.base()
	action := strings.ToLower(ev.Action())
	f := map[string]interface{}{
		"_mail_action": action,
		"_queue_id":    b.QueueID,
		"_from":        b.From,
	}
	if !b.Time.IsZero() {
		f["timestamp"] = float64(b.Time.UnixMilli()) / 1000
	}
	ev.fields(f)

	// Empty values carry no information.
	for k, v := range f {
		if s, ok := v.(string); ok && s == "" {
			delete(f, k)
		}
	}
	return module.Event{
		Message: action + " " + b.QueueID,
		Fields:  f,
	}
}

// StatusUpdater records delivery outcomes of audited messages. Errors are
// handled by the implementation.
type StatusUpdater interface {
	UpdateDeliveryStatus(ctx context.Context, queueID string, status module.DeliveryStatus)
}

type Normalizer struct {
	Sink   module.EventSink
	Status StatusUpdater
	Log    log.Logger
}

func NewNormalizer(sink module.EventSink, status StatusUpdater, logger log.Logger) *Normalizer {
	return &Normalizer{Sink: sink, Status: status, Log: logger}
}

// LogEntry normalizes the raw record and emits it. Delivery outcomes are
// also passed to the status updater.
func (n *Normalizer) LogEntry(ctx context.Context, raw RawEntry) {
	ev, ok := Decode(raw)
	if !ok {
		n.Log.DebugMsg("unknown log action, dropped", "action", raw.Action)
		return
	}

	deliveryEvents.WithLabelValues(strings.ToLower(ev.Action())).Inc()
	n.Sink.Emit(Normalize(ev))

	d, ok := ev.(*Delivery)
	if !ok || n.Status == nil || d.QueueID == "" {
		return
	}
	n.Status.UpdateDeliveryStatus(ctx, d.QueueID, module.DeliveryStatus{
		Seq:       d.Seq,
		Status:    strings.ToLower(d.Outcome),
		Response:  d.Response,
		Recipient: d.To,
		MX:        d.MX,
		Time:      d.Time,
	})
}
