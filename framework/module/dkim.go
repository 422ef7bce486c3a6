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

package module

import (
	"context"
	"errors"
)

var ErrNoSuchKey = errors.New("dkim: no such key")

// DKIMStore provides signing keys by domain. The wildcard key is stored
// under the domain "*".
type DKIMStore interface {
	// LookupDKIM returns ErrNoSuchKey if there is no key for the domain.
	// The returned key has Domain set to the looked up name.
	LookupDKIM(ctx context.Context, domain string) (DKIMKey, error)
}
