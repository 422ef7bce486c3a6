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
	"testing"
	"time"
)

func TestMapProcess(t *testing.T) {
	cfg := Node{
		Children: []Node{
			{Name: "foo", Args: []string{"bar"}},
		},
	}

	m := NewMap(nil, cfg)

	foo := ""
	m.Custom("foo", false, true, nil, func(_ *Map, n Node) (interface{}, error) {
		return n.Args[0], nil
	}, &foo)

	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}

	if foo != "bar" {
		t.Errorf("Incorrect value stored in variable, want 'bar', got '%s'", foo)
	}
}

func TestMapProcess_MissingRequired(t *testing.T) {
	m := NewMap(nil, Node{})

	foo := ""
	m.String("foo", false, true, "", &foo)

	if _, err := m.Process(); err == nil {
		t.Errorf("Expected failure")
	}
}

func TestMapProcess_InheritGlobal(t *testing.T) {
	m := NewMap(map[string]interface{}{"hostname": "mx.example.org"}, Node{})

	hostname := ""
	m.String("hostname", true, true, "", &hostname)

	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if hostname != "mx.example.org" {
		t.Errorf("Incorrect value stored in variable, want 'mx.example.org', got '%s'", hostname)
	}
}

func TestMapProcess_InheritGlobal_Override(t *testing.T) {
	cfg := Node{
		Children: []Node{
			{Name: "hostname", Args: []string{"submit.example.org"}},
		},
	}
	m := NewMap(map[string]interface{}{"hostname": "mx.example.org"}, cfg)

	hostname := ""
	m.String("hostname", true, true, "", &hostname)

	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if hostname != "submit.example.org" {
		t.Errorf("Incorrect value stored in variable, want 'submit.example.org', got '%s'", hostname)
	}
}

func TestMapProcess_DefaultValue(t *testing.T) {
	m := NewMap(nil, Node{})

	maxAge := time.Duration(0)
	m.Duration("max_age", false, false, 21*24*time.Hour, &maxAge)

	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if maxAge != 21*24*time.Hour {
		t.Errorf("Incorrect default value: %v", maxAge)
	}
}

func TestMapProcess_Duplicate(t *testing.T) {
	cfg := Node{
		Children: []Node{
			{Name: "foo", Args: []string{"bar"}},
			{Name: "foo", Args: []string{"bar"}},
		},
	}

	m := NewMap(nil, cfg)
	foo := ""
	m.String("foo", false, true, "", &foo)

	if _, err := m.Process(); err == nil {
		t.Errorf("Expected failure")
	}
}

func TestMapProcess_Unexpected(t *testing.T) {
	cfg := Node{
		Children: []Node{
			{Name: "foo", Args: []string{"baz"}},
			{Name: "bar", Args: []string{"baz"}},
		},
	}

	m := NewMap(nil, cfg)
	foo := ""
	m.String("foo", false, true, "", &foo)

	if _, err := m.Process(); err == nil {
		t.Errorf("Expected failure")
	}

	m.AllowUnknown()
	unknown, err := m.Process()
	if err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if len(unknown) != 1 || unknown[0].Name != "bar" {
		t.Errorf("Wrong list of unknown directives: %+v", unknown)
	}
}

func TestMapTypes(t *testing.T) {
	cfg := Node{
		Children: []Node{
			{Name: "limit", Args: []string{"200"}},
			{Name: "quota", Args: []string{"1G"}},
			{Name: "timeout", Args: []string{"1m", "30s"}},
			{Name: "interfaces", Args: []string{"feeder", "api"}},
			{Name: "driver", Args: []string{"postgres"}},
			{Name: "mode", Args: []string{"strict"}},
			{Name: "flag"},
			{Name: "other_flag", Args: []string{"no"}},
		},
	}

	var (
		limit      int
		quota      int64
		timeout    time.Duration
		interfaces []string
		driver     string
		mode       int
		flag       bool
		otherFlag  = true
		unsetFlag  bool
	)
	m := NewMap(nil, cfg)
	m.Int("limit", false, false, 0, &limit)
	m.DataSize("quota", false, false, 0, &quota)
	m.Duration("timeout", false, false, 0, &timeout)
	m.StringList("interfaces", false, false, nil, &interfaces)
	m.Enum("driver", false, true, []string{"sqlite3", "postgres"}, "sqlite3", &driver)
	EnumMapped(m, "mode", false, false, map[string]int{"lax": 1, "strict": 2}, 1, &mode)
	m.Bool("flag", false, false, &flag)
	m.Bool("other_flag", false, true, &otherFlag)
	m.Bool("unset_flag", false, false, &unsetFlag)

	if _, err := m.Process(); err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}

	if limit != 200 {
		t.Errorf("limit = %v", limit)
	}
	if quota != 1024*1024*1024 {
		t.Errorf("quota = %v", quota)
	}
	if timeout != 90*time.Second {
		t.Errorf("timeout = %v", timeout)
	}
	if len(interfaces) != 2 || interfaces[1] != "api" {
		t.Errorf("interfaces = %v", interfaces)
	}
	if driver != "postgres" {
		t.Errorf("driver = %v", driver)
	}
	if mode != 2 {
		t.Errorf("mode = %v", mode)
	}
	if !flag || otherFlag || unsetFlag {
		t.Errorf("flags = %v %v %v", flag, otherFlag, unsetFlag)
	}
}

func TestMapTypes_Invalid(t *testing.T) {
	test := func(node Node, register func(m *Map)) {
		t.Helper()
		m := NewMap(nil, Node{Children: []Node{node}})
		register(m)
		if _, err := m.Process(); err == nil {
			t.Errorf("Expected failure for %+v", node)
		}
	}

	test(Node{Name: "limit", Args: []string{"many"}}, func(m *Map) {
		m.Int("limit", false, false, 0, nil)
	})
	test(Node{Name: "limit", Args: []string{"1", "2"}}, func(m *Map) {
		m.Int64("limit", false, false, 0, nil)
	})
	test(Node{Name: "timeout", Args: []string{"-1s"}}, func(m *Map) {
		m.Duration("timeout", false, false, 0, nil)
	})
	test(Node{Name: "driver", Args: []string{"oracle"}}, func(m *Map) {
		m.Enum("driver", false, false, []string{"sqlite3"}, "sqlite3", nil)
	})
	test(Node{Name: "flag", Args: []string{"maybe"}}, func(m *Map) {
		m.Bool("flag", false, false, nil)
	})
	test(Node{Name: "name", Children: []Node{{Name: "x"}}}, func(m *Map) {
		m.String("name", false, false, "", nil)
	})
}

func TestParseDataSize(t *testing.T) {
	check := func(s string, ok bool, expected int) {
		t.Helper()
		val, err := ParseDataSize(s)
		if err != nil && ok {
			t.Errorf("unexpected ParseDataSize('%s') fail: %v", s, err)
			return
		}
		if err == nil && !ok {
			t.Errorf("unexpected ParseDataSize('%s') success, got %d", s, val)
			return
		}
		if val != expected {
			t.Errorf("ParseDataSize('%s') != %d", s, expected)
		}
	}

	check("1M", true, 1024*1024)
	check("1K", true, 1024)
	check("1b", true, 1)
	check("1M 5b", true, 1024*1024+5)
	check("1M 5K 5b", true, 1024*1024+5*1024+5)
	check("0", true, 0)
	check("1", false, 0)
	check("1d", false, 0)
	check("d", false, 0)
	check("unrelated", false, 0)
	check("1M5b", false, 0)
	check("", false, 0)
	check("-5M", false, 0)
}

func TestMap_Callback(t *testing.T) {
	var keys []string

	cfg := Node{
		Children: []Node{
			{Name: "key", Args: []string{"example.org", "default", "a.key"}},
			{Name: "key", Args: []string{"*", "default", "b.key"}},
		},
	}
	m := NewMap(nil, cfg)
	m.Callback("key", func(_ *Map, n Node) error {
		keys = append(keys, n.Args[0])
		return nil
	})
	if _, err := m.Process(); err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if len(keys) != 2 || keys[0] != "example.org" || keys[1] != "*" {
		t.Errorf("Wrong callback invocations: %v", keys)
	}
}
