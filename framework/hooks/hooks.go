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

// Package hooks is a registry of process-wide lifecycle callbacks.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the server process is about to stop.
	// Modules close their connections and flush pending work here.
	EventShutdown Event = iota

	// EventLogRotate is triggered on SIGUSR1 (on POSIX platforms). Log files
	// are reopened.
	EventLogRotate

	// EventReload is triggered on SIGHUP. TLS certificates are reloaded.
	EventReload
)

var (
	hooks    = make(map[Event][]func())
	hooksLck sync.Mutex
)

func hooksToRun(eventName Event) []func() {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	// Copied so hooks run without the lock held.
	return append([]func(){}, hooks[eventName]...)
}

// RunHooks runs the hooks installed for eventName in the reverse order of
// installation.
func RunHooks(eventName Event) {
	list := hooksToRun(eventName)
	for i := len(list) - 1; i >= 0; i-- {
		list[i]()
	}
}

// AddHook installs the hook to be executed when the event occurs.
func AddHook(eventName Event, f func()) {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	hooks[eventName] = append(hooks[eventName], f)
}

// Reset removes all hooks installed for eventName.
func Reset(eventName Event) {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	delete(hooks, eventName)
}
