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

// Package dns defines interfaces used by sendpolicy components to perform DNS
// lookups and helpers to normalize domain names.
package dns

import (
	"context"
	"net"
	"strings"
	"time"
)

// Resolver is an interface that describes DNS-related methods used by
// sendpolicy.
//
// It is implemented by *net.Resolver and by mockdns.Resolver in tests.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// LookupAddr is a convenience wrapper for Resolver.LookupAddr.
//
// It returns the first name with trailing dot stripped.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimRight(names[0], "."), nil
}

// DefaultResolver returns the system resolver. If server is not empty, the
// resolver sends all queries to it instead. It should be in "IP:PORT" form
// and serve both UDP and TCP.
func DefaultResolver(server string) Resolver {
	if server == "" || server == "system-default" {
		return net.DefaultResolver
	}

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: 5 * time.Second}
			return dialer.DialContext(ctx, network, server)
		},
	}
}
