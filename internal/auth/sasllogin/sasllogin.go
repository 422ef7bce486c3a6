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

// Package sasllogin implements the server side of the obsolete LOGIN SASL
// mechanism (draft-murchison-sasl-login-00).
//
// LOGIN should only be enabled for legacy clients that can't use PLAIN.
package sasllogin

import "github.com/emersion/go-sasl"

// Login is the mechanism name used in the AUTH command.
const Login = "LOGIN"

// Authenticator checks the username and password received from the client.
type Authenticator func(username, password string) error

type server struct {
	step     int
	username string
	auth     Authenticator
}

func NewServer(auth Authenticator) sasl.Server {
	return &server{auth: auth}
}

func (s *server) Next(response []byte) ([]byte, bool, error) {
	// RFC 4422 Section 3: the username may come as the initial response.
	if s.step == 0 && response != nil {
		s.step = 1
	}

	switch s.step {
	case 0:
		s.step = 1
		return []byte("Username:"), false, nil
	case 1:
		s.username = string(response)
		s.step = 2
		return []byte("Password:"), false, nil
	case 2:
		s.step = 3
		return nil, true, s.auth(s.username, string(response))
	default:
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
}
