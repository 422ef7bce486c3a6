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

package limits

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/identity"
	"github.com/foxcpp/sendpolicy/internal/limits/counter"
	"github.com/foxcpp/sendpolicy/internal/testutils"
)

type failingCounters struct{}

func (failingCounters) IncrementWithTTL(context.Context, string, int64, int64, time.Duration) (module.CounterResult, error) {
	return module.CounterResult{}, errors.New("connection reset")
}

func testAdmission(t *testing.T, counters module.CounterStore) (*Admission, *testutils.EventSink) {
	dir := &testutils.Directory{
		Users: map[string]*module.UserRecord{
			"capped":    {ID: "u1", Username: "capped", RecipientLimit: 5},
			"unlimited": {ID: "u2", Username: "unlimited"},
		},
	}
	if counters == nil {
		mod, _ := counter.NewMemory("counters.memory", "", nil)
		counters = mod.(module.CounterStore)
	}
	sink := &testutils.EventSink{}
	logger := testutils.Logger(t, "limits")
	a := New(identity.New(dir, logger), counters, sink, logger)
	a.now = testutils.Clock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return a, sink
}

func TestRcpt_Cap(t *testing.T) {
	a, sink := testAdmission(t, nil)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		denied []error
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate envelopes, like separate connections.
			env := &module.Envelope{User: "capped[capped]"}
			if err := a.Rcpt(context.Background(), env, "rcpt@example.org"); err != nil {
				mu.Lock()
				denied = append(denied, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(denied) != 15 {
		t.Fatalf("%d recipients denied, want 15", len(denied))
	}
	smtpErr, ok := exterrors.AsSMTPError(denied[0])
	if !ok || smtpErr.Code != 550 || smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 7, 1}) {
		t.Fatal("Wrong error:", denied[0])
	}
	if !strings.HasPrefix(smtpErr.Message, "Recipient limit of 5 exceeded, it resets ") {
		t.Fatal("Wrong message:", smtpErr.Message)
	}

	if n := len(sink.Find("recipient admitted")); n != 5 {
		t.Error("Admission events:", n)
	}
	evs := sink.Find("recipient denied")
	if len(evs) != 15 {
		t.Fatal("Denial events:", len(evs))
	}
	if evs[0].Fields["_sent"] != int64(5) || evs[0].Fields["_allowed"] != int64(5) {
		t.Error("Wrong denial counts:", evs[0].Fields)
	}
}

func TestRcpt_Unlimited(t *testing.T) {
	a, sink := testAdmission(t, failingCounters{})

	env := &module.Envelope{User: "unlimited"}
	for i := 0; i < 100; i++ {
		if err := a.Rcpt(context.Background(), env, "rcpt@example.org"); err != nil {
			t.Fatal(err)
		}
	}
	if len(sink.All()) != 0 {
		t.Fatal("Unexpected events:", sink.All())
	}
}

func TestRcpt_CounterFailure(t *testing.T) {
	a, _ := testAdmission(t, failingCounters{})

	err := a.Rcpt(context.Background(), &module.Envelope{User: "capped"}, "rcpt@example.org")
	if err == nil || !exterrors.IsTemporary(err) {
		t.Fatal("Expected temporary error, got", err)
	}
}

func TestRcpt_UnknownUser(t *testing.T) {
	a, _ := testAdmission(t, nil)

	err := a.Rcpt(context.Background(), &module.Envelope{User: "ghost"}, "rcpt@example.org")
	if _, ok := exterrors.AsSMTPError(err); !ok {
		t.Fatal("Expected policy error, got", err)
	}
}
