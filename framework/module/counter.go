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
	"time"
)

type CounterResult struct {
	// Admitted is false if the increment would exceed the limit. The
	// counter is not changed then.
	Admitted bool
	Value    int64
	// TTL is the time left until the counter resets. Zero if unknown.
	TTL time.Duration
}

// CounterStore is a shared store of expiring counters.
type CounterStore interface {
	// IncrementWithTTL atomically adds amount to the counter at key unless
	// the result would exceed limit. The TTL is set when the counter is
	// created and is not extended by later increments.
	IncrementWithTTL(ctx context.Context, key string, amount, limit int64, ttl time.Duration) (CounterResult, error)
}
