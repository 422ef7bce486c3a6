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

package rewrite

import (
	"bufio"
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/identity"
	"github.com/foxcpp/sendpolicy/internal/testutils"
)

func testRewriter(t *testing.T) (*Rewriter, *testutils.EventSink) {
	dir := &testutils.Directory{
		Users: map[string]*module.UserRecord{
			"jdoe": {ID: "u1", Username: "jdoe", Address: "john.doe@example.org"},
		},
		Addresses: map[string]*module.AddressRecord{
			"sales@example.org": {Address: "sales@example.org", UserID: "u1"},
			"list@example.org":  {Address: "list@example.org", Targets: []string{"u1"}},
			"boss@example.org":  {Address: "boss@example.org", UserID: "u9"},
			"*@jdoe.example":    {Address: "*@jdoe.example", UserID: "u1"},
		},
	}
	sink := &testutils.EventSink{}
	logger := testutils.Logger(t, "rewrite")
	return New(identity.New(dir, logger), sink, logger), sink
}

func readHeader(t *testing.T, s string) *textproto.Header {
	t.Helper()
	hdr, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(s + "\r\n")))
	if err != nil {
		t.Fatal(err)
	}
	return &hdr
}

func TestHeaders(t *testing.T) {
	test := func(envFrom, hdrFrom, wantEnvFrom, wantHdrFrom string, wantDiag bool) {
		t.Helper()

		r, _ := testRewriter(t)
		env := &module.Envelope{
			ID:   "q1",
			User: "jdoe[jdoe]",
			From: envFrom,
		}
		if hdrFrom != "" {
			env.Header = readHeader(t, "From: "+hdrFrom+"\r\nSubject: test\r\n")
		} else {
			env.Header = readHeader(t, "Subject: test\r\n")
		}

		if err := r.Headers(context.Background(), env); err != nil {
			t.Fatal(err)
		}
		if env.From != wantEnvFrom {
			t.Errorf("env.From = %q, want %q", env.From, wantEnvFrom)
		}
		if got := env.Header.Get("From"); got != wantHdrFrom {
			t.Errorf("From = %q, want %q", got, wantHdrFrom)
		}
		diag := env.Header.Get(OriginalFromHeader)
		if wantDiag && diag != hdrFrom {
			t.Errorf("%s = %q, want %q", OriginalFromHeader, diag, hdrFrom)
		}
		if !wantDiag && diag != "" {
			t.Errorf("Unexpected %s: %q", OriginalFromHeader, diag)
		}
	}

	// Owned addresses are kept.
	test("john.doe@example.org", "John <john.doe@example.org>", "john.doe@example.org", "John <john.doe@example.org>", false)
	test("johndoe@example.org", "John <j.o.h.n.doe@example.org>", "johndoe@example.org", "John <j.o.h.n.doe@example.org>", false)
	test("sales@example.org", "sales@example.org", "sales@example.org", "sales@example.org", false)
	test("list@example.org", "list@example.org", "list@example.org", "list@example.org", false)
	test("x@jdoe.example", "y@jdoe.example", "x@jdoe.example", "y@jdoe.example", false)

	// Header From differs but is authorized on its own.
	test("john.doe@example.org", "Sales <sales@example.org>", "john.doe@example.org", "Sales <sales@example.org>", false)

	// Envelope sender is forced to the default address.
	test("boss@example.org", "", "john.doe@example.org", "", false)
	test("", "", "john.doe@example.org", "", false)

	// Header From is rewritten to the envelope sender, display name kept.
	test("john.doe@example.org", "The Boss <boss@example.org>", "john.doe@example.org", `"The Boss" <john.doe@example.org>`, true)
	test("boss@example.org", "boss@example.org", "john.doe@example.org", "<john.doe@example.org>", true)
	test("sales@example.org", "johndoe@evil.example", "sales@example.org", "<sales@example.org>", true)

	// Group syntax is ignored.
	test("john.doe@example.org", "Undisclosed: boss@example.org;", "john.doe@example.org", "Undisclosed: boss@example.org;", false)
	test("john.doe@example.org", "(note) Undisclosed: boss@example.org;", "john.doe@example.org", "(note) Undisclosed: boss@example.org;", false)

	// Header From that cannot be parsed is not authorized.
	test("john.doe@example.org", "The Boss <boss@example.org", "john.doe@example.org", "<john.doe@example.org>", true)
	test("sales@example.org", "boss@example.org>>", "sales@example.org", "<sales@example.org>", true)
}

func TestHeaders_CommentWithColon(t *testing.T) {
	r, sink := testRewriter(t)
	const orig = "(a:b) Boss <boss@example.org>"
	env := &module.Envelope{
		ID:     "q1",
		User:   "jdoe[jdoe]",
		From:   "john.doe@example.org",
		Header: readHeader(t, "From: "+orig+"\r\n"),
	}
	if err := r.Headers(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	if from := env.Header.Get("From"); !strings.Contains(from, "<john.doe@example.org>") {
		t.Error("Header From is not rewritten:", from)
	}
	if diag := env.Header.Get(OriginalFromHeader); diag != orig {
		t.Errorf("%s = %q, want %q", OriginalFromHeader, diag, orig)
	}
	if len(sink.Find("sender rewritten")) != 1 {
		t.Error("Wrong events:", sink.All())
	}
}

func TestIsGroup(t *testing.T) {
	for _, c := range []struct {
		value string
		group bool
	}{
		{"Undisclosed recipients:;", true},
		{"Team: a@example.org, b@example.org;", true},
		{"(comment) Team: a@example.org;", true},
		{"Boss <boss@example.org>", false},
		{"(a:b) Boss <boss@example.org>", false},
		{"(nested (a:b)) boss@example.org", false},
		{`"Re: Boss" <boss@example.org>`, false},
		{`"quoted \" colon:" <boss@example.org>`, false},
		{`Boss (x\) y:z) <boss@example.org>`, false},
	} {
		if got := isGroup(c.value); got != c.group {
			t.Errorf("isGroup(%q) = %v, want %v", c.value, got, c.group)
		}
	}
}

func TestHeaders_Events(t *testing.T) {
	r, sink := testRewriter(t)
	env := &module.Envelope{
		ID:     "q1",
		User:   "jdoe[jdoe]",
		From:   "boss@example.org",
		Header: readHeader(t, "From: boss@example.org\r\n"),
	}
	if err := r.Headers(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	evs := sink.Find("sender rewritten")
	if len(evs) != 2 {
		t.Fatal("Wrong events:", sink.All())
	}
	if evs[0].Fields["_kind"] != "envelope" || evs[1].Fields["_kind"] != "header" {
		t.Error("Wrong event kinds:", evs)
	}
	if evs[0].Fields["_from"] != "boss@example.org" || evs[0].Fields["_to"] != "john.doe@example.org" {
		t.Error("Wrong envelope event:", evs[0].Fields)
	}
}

func TestHeaders_PreservesFolding(t *testing.T) {
	r, _ := testRewriter(t)
	env := &module.Envelope{
		User:   "jdoe",
		From:   "john.doe@example.org",
		Header: readHeader(t, "From: \"Very Long Name\"\r\n <boss@example.org>\r\n"),
	}
	if err := r.Headers(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	raw, err := env.Header.Raw(OriginalFromHeader)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "X-Original-From: \"Very Long Name\"\r\n <boss@example.org>\r\n" {
		t.Fatalf("Wrong diagnostic field: %q", raw)
	}
}

func TestHeaders_NoUser(t *testing.T) {
	r, _ := testRewriter(t)
	env := &module.Envelope{From: "boss@example.org"}
	if err := r.Headers(context.Background(), env); err == nil {
		t.Fatal("Expected error for envelope without identity")
	}
	if env.From != "boss@example.org" {
		t.Fatal("Sender changed on error")
	}
}
