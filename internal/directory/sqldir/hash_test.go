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
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

var testHashOpts = HashOpts{
	BcryptCost:    bcrypt.MinCost,
	Argon2Time:    1,
	Argon2Memory:  1024,
	Argon2Threads: 1,
}

func TestHashPassword(t *testing.T) {
	for _, algo := range Hashes {
		algo := algo
		t.Run(algo, func(t *testing.T) {
			stored, err := HashPassword(algo, testHashOpts, "hunter2")
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(stored, algo+":") {
				t.Fatal("Missing hash tag:", stored)
			}
			if err := VerifyPassword(stored, "hunter2"); err != nil {
				t.Fatal("Correct password rejected:", err)
			}
			if err := VerifyPassword(stored, "hunter3"); !errors.Is(err, ErrHashMismatch) {
				t.Fatal("Wrong error for wrong password:", err)
			}
		})
	}
}

func TestVerifyPassword_Crypt(t *testing.T) {
	// openssl passwd -6 -salt saltsalt hunter2
	const stored = "crypt:$6$saltsalt$8iYtNHxjWRl.NF6oNZ5tF.iKFlQREaXBLlSmZKP6dy9l5z3vsooWNW0/GZ6Nej73/TFug6pIPSqbJoCT6dfnj."

	if err := VerifyPassword(stored, "hunter2"); err != nil {
		t.Fatal("Correct password rejected:", err)
	}
	err := VerifyPassword(stored, "wrong")
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatal("Wrong error for wrong password:", err)
	}
	if err := VerifyPassword("crypt:!locked", "x"); !errors.Is(err, ErrHashMismatch) {
		t.Fatal("Locked password accepted:", err)
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	test := func(stored string) {
		t.Helper()
		err := VerifyPassword(stored, "x")
		if err == nil || errors.Is(err, ErrHashMismatch) {
			t.Errorf("VerifyPassword(%q): expected malformed hash error, got %v", stored, err)
		}
	}
	test("nohashtag")
	test("md5:abcdef")
	test("sha256:nosalt")
	test("argon2:1:2:3")
	test("argon2:x:1024:1:AAAA:AAAA")
}

func TestHashPassword_Unknown(t *testing.T) {
	if _, err := HashPassword("md5", testHashOpts, "x"); err == nil {
		t.Fatal("Expected error")
	}
	if _, err := HashPassword(HashCrypt, testHashOpts, "x"); err == nil {
		t.Fatal("crypt hashes cannot be computed")
	}
}
