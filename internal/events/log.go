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

package events

import (
	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

// LogSink writes events into the server log.
type LogSink struct {
	instName string
	Log      log.Logger

	*async
}

func NewLogSink(_, instName string, _ []string) (module.Module, error) {
	return &LogSink{
		instName: instName,
		Log:      log.Logger{Name: "events"},
	}, nil
}

func (s *LogSink) Name() string {
	return "events.log"
}

func (s *LogSink) InstanceName() string {
	return s.instName
}

func (s *LogSink) Init(cfg *config.Map) error {
	var bufSize int
	cfg.Int("buffer_size", false, false, DefaultBufferSize, &bufSize)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	s.async = newAsync(s.Name(), bufSize, s.write)
	return nil
}

func (s *LogSink) write(ev module.Event) {
	fields := make([]interface{}, 0, len(ev.Fields)*2)
	for k, v := range ev.Fields {
		fields = append(fields, k, v)
	}
	s.Log.Msg(ev.Message, fields...)
}

func init() {
	module.Register("events.log", NewLogSink)
}
