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

package ctl

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/hooks"
	"github.com/foxcpp/sendpolicy/framework/log"
)

func defaultLogOutput() (interface{}, error) {
	return log.DefaultLogger.Out, nil
}

func logOutputDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare a block here")
	}
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	out, err := logOutput(node.Args)
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	return out, nil
}

// logOutput builds the log.Output for the list of targets: stderr,
// stderr_ts, syslog, off or a file path.
func logOutput(targets []string) (log.Output, error) {
	if len(targets) == 1 && targets[0] == "off" {
		return log.NopOutput{}, nil
	}

	outs := make([]log.Output, 0, len(targets))
	for _, t := range targets {
		switch t {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			out, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %w", err)
			}
			outs = append(outs, out)
		case "off":
			return nil, fmt.Errorf("'off' can't be combined with other log targets")
		default:
			out, err := fileOutput(t)
			if err != nil {
				return nil, err
			}
			outs = append(outs, out)
		}
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

// reopenFile is the log file that is reopened on the log rotation signal.
type reopenFile struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func (r *reopenFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (r *reopenFile) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Write(b)
}

func (r *reopenFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

func fileOutput(path string) (log.Output, error) {
	r := &reopenFile{path: path}
	if err := r.open(); err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	hooks.AddHook(hooks.EventLogRotate, func() {
		if err := r.open(); err != nil {
			fmt.Fprintf(os.Stderr, "%v: failed to reopen log file: %v\n", time.Now(), err)
		}
	})
	return log.WriteCloserOutput(r, true), nil
}
