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

// Package events implements module.EventSink drivers.
//
// Emit never blocks: records are put into a bounded buffer and written by
// a background goroutine. Records that do not fit are dropped and counted.
package events

import (
	"sync"

	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultBufferSize = 1024

var droppedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sendpolicy",
		Subsystem: "events",
		Name:      "dropped",
		Help:      "Events dropped because the sink buffer was full",
	},
	[]string{"sink"},
)

func init() {
	prometheus.MustRegister(droppedEvents)
}

type async struct {
	name  string
	ch    chan module.Event
	write func(module.Event)
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func newAsync(name string, size int, write func(module.Event)) *async {
	if size <= 0 {
		size = DefaultBufferSize
	}
	a := &async{
		name:  name,
		ch:    make(chan module.Event, size),
		write: write,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *async) run() {
	defer a.wg.Done()
	for ev := range a.ch {
		a.write(ev)
	}
}

func (a *async) Emit(ev module.Event) {
	select {
	case a.ch <- ev:
	default:
		droppedEvents.WithLabelValues(a.name).Inc()
	}
}

// Close flushes buffered records. Emit must not be called after Close.
func (a *async) Close() error {
	a.closeOnce.Do(func() {
		close(a.ch)
	})
	a.wg.Wait()
	return nil
}
