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

package address

import (
	"testing"
)

func addrFuncTest(t *testing.T, f func(string) (string, error)) func(in, wantOut string, fail bool) {
	return func(in, wantOut string, fail bool) {
		t.Helper()

		out, err := f(in)
		if err != nil {
			if !fail {
				t.Errorf("Unexpected failure for %s: %v", in, err)
			}
		} else if fail {
			t.Errorf("Unexpected success for %s", in)
		}

		if out != wantOut {
			t.Errorf("Wrong result: want '%s', got '%s'", wantOut, out)
		}
	}
}

func TestForLookup(t *testing.T) {
	test := addrFuncTest(t, ForLookup)
	test("test@example.org", "test@example.org", false)
	test("É@example.org", "é@example.org", false)
	test("test@EXAMPLE.org", "test@example.org", false)
	test("test@xn--e1aybc.example.org", "test@тест.example.org", false)
	test("TEST@xn--99999999999.example.org", "test@xn--99999999999.example.org", true)
	test("tESt@", "test@", true)
	test("postmaster", "postmaster", false)
}

func TestForOwnership(t *testing.T) {
	test := addrFuncTest(t, ForOwnership)
	test("a.b.c@example.com", "abc@example.com", false)
	test("abc@example.com", "abc@example.com", false)
	test("A.B.C@ExAmple.com", "abc@example.com", false)
	test("first.last@mail.example.com", "firstlast@mail.example.com", false)
	test("...@example.com", "@example.com", true)
	test("Post.Master", "postmaster", true)
	test("j.doe@", "jdoe@", true)

	// Idempotent.
	once, _ := ForOwnership("J.Doe@Example.ORG")
	twice, _ := ForOwnership(once)
	if once != twice {
		t.Errorf("ForOwnership is not idempotent: %s != %s", once, twice)
	}
}

func TestSameOwner(t *testing.T) {
	test := func(in1, in2 string, wantEq bool) {
		t.Helper()
		if eq := SameOwner(in1, in2); eq != wantEq {
			t.Errorf("Want SameOwner(%s, %s) == %v, got %v", in1, in2, wantEq, eq)
		}
	}

	test("a.b.c@example.com", "abc@example.com", true)
	test("a.b.c@ExAmple.com", "abc@example.com", true)
	test("a.b@other.com", "ab@example.com", false)
	test("ab@exam.ple.com", "ab@example.com", false)
	test("ab@example.com", "ac@example.com", false)
	test("ab", "ab", false)
}

func TestWildcard(t *testing.T) {
	test := addrFuncTest(t, Wildcard)
	test("j.doe@Example.org", "*@example.org", false)
	test("postmaster", "", true)
	test("broken", "", true)
}

func TestEqual(t *testing.T) {
	test := func(in1, in2 string, wantEq bool) {
		t.Helper()
		eq := Equal(in1, in2)
		if eq != wantEq {
			t.Errorf("Want Equal(%s, %s) == %v, got %v", in1, in2, wantEq, eq)
		}
	}

	test("test@example.org", "test@example.org", true)
	test("test2@example.org", "test@example.org", false)
	test("TEST2@example.org", "TesT2@example.org", true)
	test("É@example.org", "é@example.org", true)
	test("test@тест.example.org", "test@xn--e1aybc.example.org", true)
	test("t.est@example.org", "test@example.org", false)
}

func TestIsASCII(t *testing.T) {
	if !IsASCII("hello") {
		t.Errorf("'hello' is ASCII")
	}
	if IsASCII("тест") {
		t.Errorf("'тест' is non-ASCII")
	}
}
