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

// Package counter implements module.CounterStore drivers.
//
// The memory driver keeps counters in the process and is suitable for a
// single instance. The redis driver shares them between instances.
package counter

import (
	"context"
	"sync"
	"time"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/module"
)

type memEntry struct {
	value   int64
	expires time.Time
}

type Memory struct {
	instName string

	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemory(_, instName string, _ []string) (module.Module, error) {
	return &Memory{
		instName: instName,
		entries:  make(map[string]memEntry),
		now:      time.Now,
	}, nil
}

func (m *Memory) Name() string {
	return "counters.memory"
}

func (m *Memory) InstanceName() string {
	return m.instName
}

func (m *Memory) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (m *Memory) IncrementWithTTL(_ context.Context, key string, amount, limit int64, ttl time.Duration) (module.CounterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expires) {
		e = memEntry{expires: now.Add(ttl)}
		m.gc(now)
	}

	if limit > 0 && e.value+amount > limit {
		m.entries[key] = e
		return module.CounterResult{
			Admitted: false,
			Value:    e.value,
			TTL:      e.expires.Sub(now),
		}, nil
	}

	e.value += amount
	m.entries[key] = e
	return module.CounterResult{
		Admitted: true,
		Value:    e.value,
		TTL:      e.expires.Sub(now),
	}, nil
}

// gc drops expired entries. Called with mu held.
func (m *Memory) gc(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

func init() {
	module.Register("counters.memory", NewMemory)
}
