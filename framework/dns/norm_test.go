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

package dns

import (
	"context"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
)

func TestForLookup(t *testing.T) {
	test := func(in, out string, fail bool) {
		t.Helper()
		actual, err := ForLookup(in)
		if err != nil && !fail {
			t.Errorf("%s: unexpected error: %v", in, err)
		}
		if err == nil && fail {
			t.Errorf("%s: expected error", in)
		}
		if actual != out {
			t.Errorf("%s: want %s, got %s", in, out, actual)
		}
	}

	test("EXAMPLE.org", "example.org", false)
	test("example.org.", "example.org", false)
	test("xn--e1aybc.example.org", "тест.example.org", false)
	test("xn--99999999999.example.org", "xn--99999999999.example.org", true)
}

func TestSelectIDNA(t *testing.T) {
	a, err := SelectIDNA(false, "тест.example.org")
	if err != nil || a != "xn--e1aybc.example.org" {
		t.Errorf("A-label: %v %v", a, err)
	}
	u, err := SelectIDNA(true, "xn--e1aybc.example.org")
	if err != nil || u != "тест.example.org" {
		t.Errorf("U-label: %v %v", u, err)
	}
}

func TestLookupAddr(t *testing.T) {
	r := &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"4.3.2.1.in-addr.arpa.": {
				PTR: []string{"client.example.org."},
			},
		},
	}

	name, err := LookupAddr(context.Background(), r, net.IPv4(1, 2, 3, 4))
	if err != nil {
		t.Fatal(err)
	}
	if name != "client.example.org" {
		t.Errorf("wrong name: %s", name)
	}

	name, err = LookupAddr(context.Background(), r, net.IPv4(5, 6, 7, 8))
	if err == nil && name != "" {
		t.Errorf("unexpected name for unknown address: %s", name)
	}
}
