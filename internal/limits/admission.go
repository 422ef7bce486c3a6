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

// Package limits implements per-user recipient admission on top of a shared
// counter store.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/identity"
)

// DefaultWindow is the counter period. It starts at the first recipient.
const DefaultWindow = 24 * time.Hour

type Admission struct {
	Identity *identity.Resolver
	Counters module.CounterStore
	Events   module.EventSink
	Log      log.Logger
	Window   time.Duration

	now func() time.Time
}

func New(ident *identity.Resolver, counters module.CounterStore, events module.EventSink, logger log.Logger) *Admission {
	return &Admission{
		Identity: ident,
		Counters: counters,
		Events:   events,
		Log:      logger,
		Window:   DefaultWindow,
		now:      time.Now,
	}
}

func counterKey(userID string) string {
	return "rcpt:" + userID
}

// Rcpt admits one more recipient for the user of env. The counter is
// incremented exactly once.
func (a *Admission) Rcpt(ctx context.Context, env *module.Envelope, rcpt string) error {
	user, err := a.Identity.GetUser(ctx, env)
	if err != nil {
		return err
	}
	if user.RecipientLimit <= 0 {
		admissions.WithLabelValues("unlimited").Inc()
		return nil
	}

	res, err := a.Counters.IncrementWithTTL(ctx, counterKey(user.ID), 1, user.RecipientLimit, a.Window)
	if err != nil {
		admissions.WithLabelValues("error").Inc()
		return exterrors.WithFields(exterrors.WithTemporary(err, true), map[string]interface{}{
			"check":   "rcpt_limit",
			"user_id": user.ID,
		})
	}

	fields := map[string]interface{}{
		"_queue_id": env.ID,
		"_user":     user.Username,
		"_rcpt":     rcpt,
		"_sent":     res.Value,
		"_allowed":  user.RecipientLimit,
	}

	if !res.Admitted {
		admissions.WithLabelValues("denied").Inc()
		a.Events.Emit(module.Event{Message: "recipient denied", Fields: fields})
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      a.limitMessage(user.RecipientLimit, res.TTL),
			CheckName:    "rcpt_limit",
			Misc: map[string]interface{}{
				"user_id": user.ID,
				"sent":    res.Value,
				"allowed": user.RecipientLimit,
			},
		}
	}

	admissions.WithLabelValues("admitted").Inc()
	a.Events.Emit(module.Event{Message: "recipient admitted", Fields: fields})
	return nil
}

func (a *Admission) limitMessage(limit int64, ttl time.Duration) string {
	msg := fmt.Sprintf("Recipient limit of %d exceeded", limit)
	if ttl > 0 {
		now := a.now()
		msg += ", it resets " + humanize.RelTime(now, now.Add(ttl), "ago", "from now")
	}
	return msg
}
