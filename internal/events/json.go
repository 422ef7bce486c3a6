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
	"fmt"
	"os"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/module"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// JSONSink writes events as GELF-shaped JSON lines:
//
//	{"version":"1.1","host":"mx1","timestamp":1709633045.1,"short_message":"accepted q1","_queue_id":"q1"}
type JSONSink struct {
	instName string
	logger   *zap.Logger
	file     *os.File

	*async
}

func NewJSONSink(_, instName string, _ []string) (module.Module, error) {
	return &JSONSink{instName: instName}, nil
}

func (s *JSONSink) Name() string {
	return "events.json"
}

func (s *JSONSink) InstanceName() string {
	return s.instName
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "short_message",
		TimeKey:        "timestamp",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.EpochTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func (s *JSONSink) Init(cfg *config.Map) error {
	var (
		path     string
		hostname string
		bufSize  int
	)
	cfg.String("path", false, false, "-", &path)
	cfg.String("hostname", true, false, "", &hostname)
	cfg.Int("buffer_size", false, false, DefaultBufferSize, &bufSize)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	var out zapcore.WriteSyncer
	if path == "-" {
		out = zapcore.Lock(os.Stdout)
	} else {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return config.NodeErr(cfg.Block, "%v", err)
		}
		s.file = f
		out = zapcore.Lock(f)
	}

	s.setup(out, hostname, bufSize)
	return nil
}

func (s *JSONSink) setup(out zapcore.WriteSyncer, hostname string, bufSize int) {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), out, zapcore.InfoLevel)
	s.logger = zap.New(core).With(zap.String("version", "1.1"), zap.String("host", hostname))
	s.async = newAsync(s.Name(), bufSize, s.write)
}

func (s *JSONSink) write(ev module.Event) {
	fields := make([]zap.Field, 0, len(ev.Fields))
	for k, v := range ev.Fields {
		// timestamp is set by the encoder.
		if k == "timestamp" {
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info(ev.Message, fields...)
}

func (s *JSONSink) Close() error {
	if s.async != nil {
		s.async.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("events.json: %w", err)
		}
	}
	return nil
}

func init() {
	module.Register("events.json", NewJSONSink)
}
