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

package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func TestRebind(t *testing.T) {
	test := func(in, out string) {
		t.Helper()
		if got := rebindDollar(in); got != out {
			t.Errorf("rebindDollar(%q) = %q, want %q", in, got, out)
		}
	}
	test("SELECT 1", "SELECT 1")
	test("SELECT a FROM t WHERE b = ? AND c = ?", "SELECT a FROM t WHERE b = $1 AND c = $2")
	test("SELECT '?' FROM t WHERE b = ?", "SELECT '?' FROM t WHERE b = $1")

	db := &DB{Driver: "mysql"}
	if got := db.Rebind("x = ?"); got != "x = ?" {
		t.Error("Rebind changed mysql query:", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("postgres")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("postgres foreign key")
	}
	if !IsUniqueViolation(&mysql.MySQLError{Number: 1062}) {
		t.Error("mysql")
	}
	if IsUniqueViolation(errors.New("connection reset")) || IsUniqueViolation(nil) {
		t.Error("false positive")
	}
}

func TestSQLite(t *testing.T) {
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.InitSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1"); err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "2")
	if !IsUniqueViolation(err) {
		t.Fatal("Expected unique violation, got", err)
	}

	err = db.Tx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE kv SET v = ? WHERE k = ?`, "3", "a"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("Tx error lost")
	}

	var v string
	if err := db.QueryRow(ctx, `SELECT v FROM kv WHERE k = ?`, "a").Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != "1" {
		t.Fatal("Rolled back update is visible:", v)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("oracle", ""); err == nil {
		t.Fatal("Expected error")
	}
}
