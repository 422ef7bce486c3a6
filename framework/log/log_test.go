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

package log

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/sendpolicy/framework/exterrors"
)

func captureLogger(lines *[]string) Logger {
	return Logger{
		Name: "test",
		Out: FuncOutput(func(_ time.Time, debug bool, msg string) {
			*lines = append(*lines, msg)
		}, nil),
	}
}

func TestLogger_Msg(t *testing.T) {
	var lines []string
	l := captureLogger(&lines).With("queue_id", "01ABC")

	l.Msg("rewrote sender", "to", "alice@example.org", "from", "bob@example.org")

	want := `test: rewrote sender	{"from":"bob@example.org","queue_id":"01ABC","to":"alice@example.org"}`
	if len(lines) != 1 || lines[0] != want {
		t.Fatalf("wrong output:\n got  %q\n want %q", lines, want)
	}
}

func TestLogger_Error(t *testing.T) {
	var lines []string
	l := captureLogger(&lines)

	err := exterrors.WithFields(errors.New("disk full"), map[string]interface{}{"user": "alice"})
	l.Error("archive failed", err, "queue_id", "01ABC")
	l.Error("not logged", nil)

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	for _, part := range []string{`"reason":"disk full"`, `"user":"alice"`, `"queue_id":"01ABC"`} {
		if !strings.Contains(lines[0], part) {
			t.Errorf("%s missing in %q", part, lines[0])
		}
	}
}

func TestLogger_Debug(t *testing.T) {
	var lines []string
	l := captureLogger(&lines)

	l.DebugMsg("hidden")
	l.Debugf("hidden %d", 1)
	l.Debug = true
	l.DebugMsg("shown", "a", 1)

	if len(lines) != 1 || !strings.HasPrefix(lines[0], "test: shown\t") {
		t.Fatalf("wrong output: %q", lines)
	}
}

func TestLogger_Zap(t *testing.T) {
	var lines []string
	l := captureLogger(&lines)

	l.Zap().Named("sink").Info("event")

	if len(lines) != 1 || !strings.HasPrefix(lines[0], "test/sink: event") {
		t.Fatalf("wrong output: %q", lines)
	}
}
