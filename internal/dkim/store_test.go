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

package dkim

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/storage/sqldb"
	"github.com/foxcpp/sendpolicy/internal/testutils"
)

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.key"), []byte(pkeyEd25519), 0o600); err != nil {
		t.Fatal(err)
	}

	mod, err := NewFileStore("dkim.file", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	s := mod.(*FileStore)
	s.log = testutils.Logger(t, s.Name())

	err = s.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "newkey_algo", Args: []string{"ed25519"}},
			{Name: "key", Args: []string{"Example.ORG", "default", filepath.Join(dir, "existing.key")}},
			{Name: "key", Args: []string{"*", "wild", filepath.Join(dir, "new", "wildcard.key")}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}

	key, err := s.LookupDKIM(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if key.Selector != "default" || key.Domain != "example.org" {
		t.Fatal("Wrong key:", key.Domain, key.Selector)
	}

	key, err = s.LookupDKIM(context.Background(), "*")
	if err != nil {
		t.Fatal(err)
	}
	if key.Selector != "wild" {
		t.Fatal("Wrong wildcard key:", key.Selector)
	}
	if _, err := os.Stat(filepath.Join(dir, "new", "wildcard.dns")); err != nil {
		t.Fatal("Record for the generated key is missing:", err)
	}

	if _, err := s.LookupDKIM(context.Background(), "example.com"); !errors.Is(err, module.ErrNoSuchKey) {
		t.Fatal("Wrong error for missing key:", err)
	}
}

func TestFileStore_MissingKey(t *testing.T) {
	mod, _ := NewFileStore("dkim.file", "", nil)
	s := mod.(*FileStore)
	s.log = testutils.Logger(t, s.Name())

	err := s.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "key", Args: []string{"example.org", "default", filepath.Join(t.TempDir(), "missing.key")}},
		},
	}))
	if err == nil {
		t.Fatal("Missing key file accepted without newkey_algo")
	}
}

func TestSQLStore(t *testing.T) {
	db, err := sqldb.Open("sqlite3", filepath.Join(t.TempDir(), "dkim.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	s, err := OpenSQLStore(ctx, db)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.LookupDKIM(ctx, "example.org"); !errors.Is(err, module.ErrNoSuchKey) {
		t.Fatal("Wrong error for missing key:", err)
	}

	key, err := ParseKey([]byte(pkeyEd25519))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutKey(ctx, "example.org", "old", key); err != nil {
		t.Fatal(err)
	}
	if err := s.PutKey(ctx, "example.org", "default", key); err != nil {
		t.Fatal(err)
	}

	got, err := s.LookupDKIM(ctx, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got.Selector != "default" || got.Domain != "example.org" {
		t.Fatal("Wrong key:", got.Domain, got.Selector)
	}
	if !got.Signer.Public().(ed25519.PublicKey).Equal(key.Public()) {
		t.Fatal("Wrong key material")
	}
}
