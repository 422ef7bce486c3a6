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

// Package logevents turns raw delivery log records into structured events.
//
// Raw records carry an action tag and a flat bag of fields, as written by
// the relay queue or read back from a log file. Decode converts them into a
// closed set of typed variants, Normalize flattens a variant into the
// event sink record.
package logevents

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	parser "github.com/foxcpp/sendpolicy/framework/logparser"
	"github.com/foxcpp/sendpolicy/framework/module"
)

const (
	ActionQueued   = "QUEUED"
	ActionAccepted = "ACCEPTED"
	ActionDeferred = "DEFERRED"
	ActionRejected = "REJECTED"
	ActionNoQueue  = "NOQUEUE"
	ActionDeleted  = "DELETED"
	ActionDrop     = "DROP"
)

// RawEntry is a delivery log record before normalization.
type RawEntry struct {
	Action string
	Time   time.Time
	Fields map[string]interface{}
}

// FromLogMsg converts a parsed log line. The log message text is the action
// tag.
func FromLogMsg(msg parser.Msg) RawEntry {
	return RawEntry{
		Action: strings.TrimSpace(msg.Message),
		Time:   msg.Stamp,
		Fields: msg.Context,
	}
}

func (e RawEntry) str(key string) string {
	switch v := e.Fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

func (e RawEntry) int(key string) int64 {
	switch v := e.Fields[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	}
	return 0
}

func (e RawEntry) float(key string) float64 {
	switch v := e.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Base is the field set shared by all variants.
type Base struct {
	Time    time.Time
	QueueID string
	From    string
}

// Event is one of *Queued, *Delivery, *NoQueue or *Removed.
type Event interface {
	Action() string
	base() Base
	fields(map[string]interface{})
}

// Queued is logged when a message enters the delivery queue.
type Queued struct {
	Base
	To        string
	BodySize  int64
	SpamScore float64
	Interface string
	Protocol  string
	Subject   string
	MessageID string
	User      string
}

// Delivery is the outcome of a delivery attempt: ACCEPTED, DEFERRED or
// REJECTED.
type Delivery struct {
	Base
	Outcome  string
	Seq      string
	To       string
	Response string
	Zone     string
	MX       string
	IP       string
}

// NoQueue is logged when a message is rejected before it was queued.
type NoQueue struct {
	Base
	To        string
	Response  string
	Interface string
	Protocol  string
	User      string
	IP        string
}

// Removed is logged when a queued message is deleted (DELETED) or dropped
// without delivery (DROP).
type Removed struct {
	Base
	Kind   string
	Reason string
}

func (q *Queued) Action() string   { return ActionQueued }
func (d *Delivery) Action() string { return d.Outcome }
func (n *NoQueue) Action() string  { return ActionNoQueue }
func (r *Removed) Action() string  { return r.Kind }

func (b Base) base() Base { return b }

// Decode builds the variant for the action tag. Unknown actions yield
// false.
func Decode(raw RawEntry) (Event, bool) {
	b := Base{
		Time:    raw.Time,
		QueueID: raw.str("id"),
		From:    raw.str("from"),
	}

	switch strings.ToUpper(raw.Action) {
	case ActionQueued:
		return &Queued{
			Base:      b,
			To:        raw.str("to"),
			BodySize:  raw.int("size"),
			SpamScore: raw.float("spam_score"),
			Interface: raw.str("interface"),
			Protocol:  raw.str("proto"),
			Subject:   raw.str("subject"),
			MessageID: trimMessageID(raw.str("message_id")),
			User:      module.TagLogin(raw.str("user")),
		}, true
	case ActionAccepted, ActionDeferred, ActionRejected:
		return &Delivery{
			Base:     b,
			Outcome:  strings.ToUpper(raw.Action),
			Seq:      raw.str("seq"),
			To:       raw.str("to"),
			Response: raw.str("response"),
			Zone:     raw.str("zone"),
			MX:       raw.str("mx"),
			IP:       raw.str("ip"),
		}, true
	case ActionNoQueue:
		return &NoQueue{
			Base:      b,
			To:        raw.str("to"),
			Response:  raw.str("response"),
			Interface: raw.str("interface"),
			Protocol:  raw.str("proto"),
			User:      module.TagLogin(raw.str("user")),
			IP:        raw.str("ip"),
		}, true
	case ActionDeleted, ActionDrop:
		return &Removed{
			Base:   b,
			Kind:   strings.ToUpper(raw.Action),
			Reason: raw.str("reason"),
		}, true
	}
	return nil, false
}

func trimMessageID(id string) string {
	return strings.Trim(id, "<> \t\r\n")
}
