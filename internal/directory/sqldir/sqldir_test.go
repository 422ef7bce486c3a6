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

package sqldir

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/storage/sqldb"
	"github.com/foxcpp/sendpolicy/internal/testutils"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := sqldb.Open("sqlite3", filepath.Join(t.TempDir(), "dir.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	d, err := Open(context.Background(), db, testutils.Logger(t, modName))
	if err != nil {
		t.Fatal(err)
	}
	d.hashOpts = testHashOpts
	return d
}

type fakeChecker struct {
	pass  map[string]string
	err   error
	calls int
}

func (c *fakeChecker) CheckPassword(_ context.Context, username, password string) (bool, error) {
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	return c.pass[username] == password, nil
}

func TestDirectory_Authenticate(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	id, err := d.CreateUser(ctx, "FoxCpp", "foxcpp@example.org", "hunter2", UserOptions{Require2FA: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetAppPassword(ctx, "foxcpp", "thunderbird", "app-secret"); err != nil {
		t.Fatal(err)
	}

	test := func(username, password string, wantScope string) {
		t.Helper()
		res, err := d.Authenticate(ctx, username, password, module.AuthInfo{Protocol: "smtp", IP: "127.0.0.1"})
		if err != nil {
			t.Fatal("Unexpected error:", err)
		}
		if wantScope == "" {
			if res != nil {
				t.Errorf("Authenticate(%s, %s): expected no match, got %+v", username, password, res)
			}
			return
		}
		if res == nil {
			t.Errorf("Authenticate(%s, %s): expected match", username, password)
			return
		}
		want := module.AuthResult{UserID: id, Username: "foxcpp", Scope: wantScope, Require2FA: true}
		if *res != want {
			t.Errorf("Authenticate(%s, %s): got %+v, want %+v", username, password, *res, want)
		}
	}

	test("foxcpp", "hunter2", module.ScopeMaster)
	test("FOXCPP", "hunter2", module.ScopeMaster)
	test("foxcpp", "app-secret", "thunderbird")
	test("foxcpp", "wrong", "")
	test("nobody", "hunter2", "")

	if err := d.SetAppPassword(ctx, "foxcpp", "thunderbird", "rotated"); err != nil {
		t.Fatal(err)
	}
	test("foxcpp", "app-secret", "")
	test("foxcpp", "rotated", "thunderbird")

	if err := d.RemoveAppPassword(ctx, "foxcpp", "thunderbird"); err != nil {
		t.Fatal(err)
	}
	test("foxcpp", "rotated", "")

	if err := d.SetPassword(ctx, "foxcpp", "new-pass"); err != nil {
		t.Fatal(err)
	}
	test("foxcpp", "hunter2", "")
	test("foxcpp", "new-pass", module.ScopeMaster)
}

func TestDirectory_AuthenticateCredentialsBackend(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	if _, err := d.CreateUser(ctx, "foxcpp", "foxcpp@example.org", "", UserOptions{}); err != nil {
		t.Fatal(err)
	}
	checker := &fakeChecker{pass: map[string]string{"foxcpp": "ldap-pass"}}
	d.credentials = checker

	res, err := d.Authenticate(ctx, "foxcpp", "ldap-pass", module.AuthInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Scope != module.ScopeMaster {
		t.Fatal("Expected master scope match, got", res)
	}

	// Backend is not queried for unknown users.
	res, err = d.Authenticate(ctx, "nobody", "ldap-pass", module.AuthInfo{})
	if err != nil || res != nil {
		t.Fatal("Expected no match, got", res, err)
	}
	if checker.calls != 1 {
		t.Fatal("Backend calls:", checker.calls)
	}

	checker.err = errors.New("server down")
	if _, err := d.Authenticate(ctx, "foxcpp", "ldap-pass", module.AuthInfo{}); err == nil {
		t.Fatal("Expected backend error to be propagated")
	}
}

func TestDirectory_FindByUsername(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	opts := UserOptions{
		Quota:          1024,
		RecipientLimit: 100,
		CopyToSent:     true,
		Encrypt:        true,
		PubKey:         "-----BEGIN PGP PUBLIC KEY BLOCK-----",
	}
	id, err := d.CreateUser(ctx, "foxcpp", "fox.cpp@example.org", "hunter2", opts)
	if err != nil {
		t.Fatal(err)
	}

	u, err := d.FindByUsername(ctx, "FoxCpp")
	if err != nil {
		t.Fatal(err)
	}
	want := module.UserRecord{
		ID:             id,
		Username:       "foxcpp",
		Address:        "fox.cpp@example.org",
		Quota:          1024,
		RecipientLimit: 100,
		CopyToSent:     true,
		Encrypt:        true,
		PubKey:         opts.PubKey,
	}
	if u == nil || !reflect.DeepEqual(*u, want) {
		t.Fatalf("got %+v, want %+v", u, want)
	}

	u, err = d.FindByUsername(ctx, "nobody")
	if err != nil || u != nil {
		t.Fatal("Expected (nil, nil), got", u, err)
	}

	if err := d.SetOptions(ctx, "foxcpp", UserOptions{Quota: 5}); err != nil {
		t.Fatal(err)
	}
	u, _ = d.FindByUsername(ctx, "foxcpp")
	if u.Quota != 5 || u.CopyToSent || u.Encrypt {
		t.Fatalf("SetOptions not applied: %+v", u)
	}

	if err := d.SetOptions(ctx, "nobody", UserOptions{}); !errors.Is(err, ErrNoSuchUser) {
		t.Fatal("Wrong error:", err)
	}
}

func TestDirectory_ResolveAddress(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	foxID, err := d.CreateUser(ctx, "foxcpp", "fox.cpp@example.org", "x", UserOptions{})
	if err != nil {
		t.Fatal(err)
	}
	bobID, err := d.CreateUser(ctx, "bob", "bob@example.org", "x", UserOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.AddAddress(ctx, "team@example.org", "", []string{"foxcpp", "bob"}); err != nil {
		t.Fatal(err)
	}
	if err := d.AddAddress(ctx, "*@example.com", "bob", nil); err != nil {
		t.Fatal(err)
	}

	test := func(addr string, wildcard bool, want *module.AddressRecord) {
		t.Helper()
		got, err := d.ResolveAddress(ctx, addr, module.ResolveOpts{Wildcard: wildcard})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ResolveAddress(%s, %v) = %+v, want %+v", addr, wildcard, got, want)
		}
	}

	test("foxcpp@example.org", false, &module.AddressRecord{Address: "fox.cpp@example.org", UserID: foxID})
	test("team@example.org", false, &module.AddressRecord{Address: "team@example.org", Targets: []string{foxID, bobID}})
	test("anything@example.com", false, nil)
	test("anything@example.com", true, &module.AddressRecord{Address: "*@example.com", UserID: bobID})
	test("nobody@example.org", true, nil)

	if err := d.AddAddress(ctx, "Fox.Cpp@example.org", "bob", nil); !errors.Is(err, ErrAddressExists) {
		t.Fatal("Expected dot-insensitive duplicate to be rejected, got", err)
	}
	if err := d.AddAddress(ctx, "x@example.org", "", []string{"nobody"}); !errors.Is(err, ErrNoSuchUser) {
		t.Fatal("Wrong error for unknown target:", err)
	}

	if err := d.RemoveAddress(ctx, "team@example.org"); err != nil {
		t.Fatal(err)
	}
	test("team@example.org", false, nil)
	if err := d.RemoveAddress(ctx, "team@example.org"); !errors.Is(err, ErrNotFound) {
		t.Fatal("Wrong error:", err)
	}
}

func TestDirectory_CreateUserDuplicate(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	if _, err := d.CreateUser(ctx, "foxcpp", "foxcpp@example.org", "x", UserOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.CreateUser(ctx, "FOXCPP", "other@example.org", "x", UserOptions{}); !errors.Is(err, ErrUserExists) {
		t.Fatal("Wrong error:", err)
	}
	if _, err := d.CreateUser(ctx, "other", "foxcpp@example.org", "x", UserOptions{}); !errors.Is(err, ErrAddressExists) {
		t.Fatal("Wrong error:", err)
	}
	// Failed transaction must not leave the user behind.
	u, err := d.FindByUsername(ctx, "other")
	if err != nil || u != nil {
		t.Fatal("Partial user left:", u, err)
	}
}

func TestDirectory_AddAudit(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	if _, err := d.CreateUser(ctx, "foxcpp", "foxcpp@example.org", "x", UserOptions{}); err != nil {
		t.Fatal(err)
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err := d.AddAudit(ctx, "foxcpp", start, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	var (
		gotStart int64
		endValid bool
	)
	row := d.DB().QueryRow(ctx, `SELECT start_time, end_time IS NOT NULL FROM audits WHERE id = ?`, id)
	if err := row.Scan(&gotStart, &endValid); err != nil {
		t.Fatal(err)
	}
	if gotStart != start.Unix() || endValid {
		t.Fatal("Wrong audit window:", gotStart, endValid)
	}

	if _, err := d.AddAudit(ctx, "nobody", start, time.Time{}); !errors.Is(err, ErrNoSuchUser) {
		t.Fatal("Wrong error:", err)
	}
}
