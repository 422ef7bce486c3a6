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
	"net"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/sendpolicy/framework/module"
)

var testTime = time.Date(2024, 3, 5, 10, 4, 5, 0, time.UTC)

func testEnvelope() *module.Envelope {
	return &module.Envelope{
		ID:   "01HQ0000000000000000000000",
		From: "jdoe@example.org",
		To:   []string{"ann@example.com"},
		User: "jdoe[jdoe@example.org]",
		Transport: module.Transport{
			Proto:      "ESMTPSA",
			Host:       "laptop",
			OriginHost: "host.isp.example",
			RemoteAddr: &net.TCPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 40000},
			Time:       testTime,
			TLS:        &module.TLSInfo{Version: "TLS 1.3", Cipher: "TLS_AES_128_GCM_SHA256"},
		},
	}
}

func TestReceived(t *testing.T) {
	got := Received(testEnvelope(), "mx.example.org", testTime)
	want := "Received: from laptop (host.isp.example [198.51.100.7]) (Authenticated sender: jdoe@example.org)\r\n" +
		" by mx.example.org with ESMTPSA id 01HQ0000000000000000000000 for <ann@example.com>" +
		" (version=TLS 1.3 cipher=TLS_AES_128_GCM_SHA256); \r\n" +
		" Tue, 05 Mar 2024 10:04:05 +0000\r\n"
	if got != want {
		t.Fatalf("Wrong Received:\n%q\nwant\n%q", got, want)
	}
	if strings.Count(got, " for <") != 1 || strings.Count(got, "cipher=") != 1 {
		t.Fatal("Clauses duplicated")
	}
}

func TestReceived_Variants(t *testing.T) {
	env := testEnvelope()
	env.To = []string{"a@example.com", "b@example.com"}
	env.Transport.TLS = nil
	env.Transport.OriginHost = "[198.51.100.7]"
	env.User = "jdoe"

	got := Received(env, "mx.example.org", testTime)
	want := "Received: from laptop [198.51.100.7] (Authenticated sender: jdoe)\r\n" +
		" by mx.example.org with ESMTPSA id 01HQ0000000000000000000000; \r\n" +
		" Tue, 05 Mar 2024 10:04:05 +0000\r\n"
	if got != want {
		t.Fatalf("Wrong Received:\n%q\nwant\n%q", got, want)
	}

	env.User = ""
	env.Transport.OriginHost = ""
	got = Received(env, "mx.example.org", testTime.In(time.FixedZone("X", 3600)))
	if !strings.HasPrefix(got, "Received: from laptop [198.51.100.7]\r\n") {
		t.Fatalf("Unexpected Received: %q", got)
	}
	if !strings.HasSuffix(got, " Tue, 05 Mar 2024 10:04:05 +0000\r\n") {
		t.Fatalf("Date not in UTC: %q", got)
	}
}

func TestReturnPath(t *testing.T) {
	if got := ReturnPath(""); got != "Return-Path: <>\r\n" {
		t.Fatalf("Wrong Return-Path: %q", got)
	}
}
