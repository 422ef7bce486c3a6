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

package archive

import (
	"strings"
	"time"

	"github.com/foxcpp/sendpolicy/framework/module"
)

const receivedDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// ReturnPath formats the Return-Path field for the envelope sender.
func ReturnPath(from string) string {
	return "Return-Path: <" + from + ">\r\n"
}

// Received formats the Received trace field for the envelope, including the
// trailing CRLF.
func Received(env *module.Envelope, hostname string, now time.Time) string {
	var b strings.Builder
	b.Grow(256 + len(env.Transport.Host) + len(env.Transport.OriginHost))

	b.WriteString("Received: from ")
	b.WriteString(env.Transport.Host)
	b.WriteByte(' ')
	b.WriteString(formatOrigin(env.Transport.OriginHost, env.Transport.RemoteIP()))
	if env.User != "" {
		b.WriteString(" (Authenticated sender: ")
		b.WriteString(module.TagLogin(env.User))
		b.WriteByte(')')
	}

	b.WriteString("\r\n by ")
	b.WriteString(hostname)
	b.WriteString(" with ")
	b.WriteString(env.Transport.Proto)
	b.WriteString(" id ")
	b.WriteString(env.ID)
	if len(env.To) == 1 {
		b.WriteString(" for <")
		b.WriteString(env.To[0])
		b.WriteByte('>')
	}
	if tls := env.Transport.TLS; tls != nil {
		b.WriteString(" (version=")
		b.WriteString(tls.Version)
		b.WriteString(" cipher=")
		b.WriteString(tls.Cipher)
		b.WriteByte(')')
	}
	b.WriteString("; \r\n ")
	b.WriteString(strings.Replace(now.UTC().Format(receivedDateLayout), "GMT", "+0000", 1))
	b.WriteString("\r\n")

	return b.String()
}

func formatOrigin(originHost, ip string) string {
	if originHost == "" || strings.HasPrefix(originHost, "[") {
		return "[" + ip + "]"
	}
	return "(" + originHost + " [" + ip + "])"
}
