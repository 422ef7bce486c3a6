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

// Package parser parses log lines written by framework/log back into
// structured messages.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/sendpolicy/framework/log"
)

type (
	Msg struct {
		Stamp   time.Time
		Debug   bool
		Module  string
		Message string
		Context map[string]interface{}
	}

	MalformedMsg struct {
		Desc string
		Err  error
	}
)

func (m MalformedMsg) Error() string {
	if m.Err != nil {
		return fmt.Sprintf("parse: malformed message: %s: %v", m.Desc, m.Err)
	}
	return fmt.Sprintf("parse: malformed message: %s", m.Desc)
}

func (m MalformedMsg) Unwrap() error {
	return m.Err
}

// Parse parses the message from the log line.
//
// Expected format:
//
//	2006-01-02T15:04:05.000Z [debug] module: message\t{"key":"value"}
//
// The debug flag and the module name are optional.
func Parse(line string) (Msg, error) {
	msg := Msg{}

	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return Msg{}, MalformedMsg{Desc: "missing a timestamp"}
	}

	var err error
	msg.Stamp, err = time.ParseInLocation(log.StampFormat, parts[0], time.UTC)
	if err != nil {
		return Msg{}, MalformedMsg{Desc: "timestamp parse", Err: err}
	}
	rest := parts[1]

	tab := strings.IndexByte(rest, '\t')
	if tab == -1 {
		return Msg{}, MalformedMsg{Desc: "missing a tab separator"}
	}
	text, ctxJSON := rest[:tab], rest[tab+1:]

	if strings.HasPrefix(text, "[debug] ") {
		msg.Debug = true
		text = strings.TrimPrefix(text, "[debug] ")
	}

	if sep := strings.Index(text, ": "); sep > 0 && !strings.Contains(text[:sep], " ") {
		msg.Module = text[:sep]
		text = text[sep+2:]
	}
	msg.Message = text

	msg.Context = map[string]interface{}{}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &msg.Context); err != nil {
			return Msg{}, MalformedMsg{Desc: "context unmarshal", Err: err}
		}
	}

	return msg, nil
}
