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

package authgate

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/testutils"
)

func testGate(t *testing.T) (*Gate, *testutils.Directory, *testutils.EventSink) {
	dir := &testutils.Directory{
		Users: map[string]*module.UserRecord{
			"jdoe@example.org": {ID: "u1", Username: "jdoe", Address: "jdoe@example.org"},
			"ann@example.org":  {ID: "u2", Username: "ann", Address: "ann@example.org"},
		},
		Passwords: map[string][2]string{
			"jdoe@example.org": {"hunter2", module.ScopeMaster},
			"ann@example.org":  {"app-pass", "thunderbird"},
		},
		Require2FA: map[string]bool{},
	}
	sink := &testutils.EventSink{}
	return New(dir, sink, testutils.Logger(t, "auth")), dir, sink
}

var testSess = &module.Session{
	ID:         "sess1",
	RemoteAddr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5555},
}

func TestAuth_Success(t *testing.T) {
	g, _, sink := testGate(t)

	tag, err := g.Auth(context.Background(), module.Credentials{
		Username: "jdoe@example.org",
		Password: "hunter2",
		Protocol: "smtp",
	}, testSess)
	if err != nil {
		t.Fatal(err)
	}
	if tag != "jdoe[jdoe@example.org]" {
		t.Fatal("Wrong identity tag:", tag)
	}

	evs := sink.All()
	if len(evs) != 1 || evs[0].Message != "authentication successful" {
		t.Fatal("Wrong events:", evs)
	}
	if evs[0].Fields["_scope"] != module.ScopeMaster {
		t.Error("Missing scope:", evs[0].Fields)
	}
}

func TestAuth_Failure(t *testing.T) {
	g, _, sink := testGate(t)

	_, err := g.Auth(context.Background(), module.Credentials{
		Username: "jdoe@example.org",
		Password: "wrong",
	}, testSess)
	if err != ErrAuthFailed {
		t.Fatal("Unexpected error:", err)
	}

	evs := sink.Find("authentication failed")
	if len(evs) != 1 || len(sink.All()) != 1 {
		t.Fatal("Wrong events:", sink.All())
	}
	f := evs[0].Fields
	if f["_username"] != "jdoe@example.org" || f["_sess"] != "sess1" || f["_ip"] != "10.0.0.1" || f["_require_2fa"] != false {
		t.Error("Wrong event fields:", f)
	}
}

func TestAuth_2FA(t *testing.T) {
	g, dir, sink := testGate(t)
	dir.Require2FA["jdoe@example.org"] = true
	dir.Require2FA["ann@example.org"] = true

	_, err := g.Auth(context.Background(), module.Credentials{
		Username: "jdoe@example.org",
		Password: "hunter2",
	}, testSess)
	if err != Err2FARequired {
		t.Fatal("Unexpected error:", err)
	}
	if evs := sink.Find("authentication failed"); len(evs) != 1 || evs[0].Fields["_require_2fa"] != true {
		t.Fatal("Wrong events:", sink.All())
	}

	// Application-specific passwords are not affected.
	tag, err := g.Auth(context.Background(), module.Credentials{
		Username: "ann@example.org",
		Password: "app-pass",
	}, testSess)
	if err != nil {
		t.Fatal(err)
	}
	if tag != "ann[ann@example.org]" {
		t.Fatal("Wrong tag:", tag)
	}
}

func TestAuth_Proxied(t *testing.T) {
	g, dir, sink := testGate(t)

	tag, err := g.Auth(context.Background(), module.Credentials{
		Username: "ann@example.org",
		Proxied:  true,
	}, testSess)
	if err != nil {
		t.Fatal(err)
	}
	if tag != "ann[ann@example.org]" {
		t.Fatal("Wrong tag:", tag)
	}
	if dir.AuthCalls != 0 {
		t.Fatal("Password check performed for proxied auth")
	}

	_, err = g.Auth(context.Background(), module.Credentials{
		Username: "ghost@example.org",
		Proxied:  true,
	}, testSess)
	if err != ErrAuthFailed {
		t.Fatal("Unexpected error:", err)
	}
	evs := sink.Find("authentication failed")
	if len(evs) != 1 || evs[0].Fields["_auth_method"] != MethodXCLIENT {
		t.Fatal("Wrong events:", sink.All())
	}
}

func TestAuth_DirectoryError(t *testing.T) {
	g, dir, sink := testGate(t)
	dir.AuthErr = errors.New("database is down")

	_, err := g.Auth(context.Background(), module.Credentials{
		Username: "jdoe@example.org",
		Password: "hunter2",
	}, testSess)
	if !exterrors.IsTemporary(err) {
		t.Fatal("Expected temporary error, got", err)
	}
	if len(sink.Find("authentication failed")) != 1 {
		t.Fatal("Failure not reported")
	}
}
