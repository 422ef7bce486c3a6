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

package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestRead(t *testing.T) {
	const doc = `
hostname: mx.example.org
interfaces: [feeder, api]
debug:
directory sql:
  driver: sqlite3
  dsn: "{env:SENDPOLICY_TEST_DSN}"
srs:
  enable: yes
  domain: bounces.example.org
`
	t.Setenv("SENDPOLICY_TEST_DSN", "users.db")

	nodes, err := Read(strings.NewReader(doc), "test.yml")
	if err != nil {
		t.Fatal(err)
	}

	want := []Node{
		{Name: "hostname", Args: []string{"mx.example.org"}, File: "test.yml", Line: 2},
		{Name: "interfaces", Args: []string{"feeder", "api"}, File: "test.yml", Line: 3},
		{Name: "debug", Args: []string{}, File: "test.yml", Line: 4},
		{Name: "directory", Args: []string{"sql"}, File: "test.yml", Line: 5, Children: []Node{
			{Name: "driver", Args: []string{"sqlite3"}, File: "test.yml", Line: 6},
			{Name: "dsn", Args: []string{"users.db"}, File: "test.yml", Line: 7},
		}},
		{Name: "srs", Args: []string{}, File: "test.yml", Line: 8, Children: []Node{
			{Name: "enable", Args: []string{"yes"}, File: "test.yml", Line: 9},
			{Name: "domain", Args: []string{"bounces.example.org"}, File: "test.yml", Line: 10},
		}},
	}
	if !reflect.DeepEqual(nodes, want) {
		t.Errorf("Wrong result:\n got  %+v\n want %+v", nodes, want)
	}
}

func TestRead_Invalid(t *testing.T) {
	for _, doc := range []string{
		"- a\n- b\n",
		"a:\n  - b: c\n",
		"? [a, b]\n: c\n",
	} {
		if _, err := Read(strings.NewReader(doc), "test.yml"); err == nil {
			t.Errorf("Expected failure for %q", doc)
		}
	}
}

func TestRead_Empty(t *testing.T) {
	nodes, err := Read(strings.NewReader(""), "test.yml")
	if err != nil || nodes != nil {
		t.Errorf("Read(\"\") = %v, %v", nodes, err)
	}
}
