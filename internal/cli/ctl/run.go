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
	"errors"
	"fmt"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/hooks"
	"github.com/foxcpp/sendpolicy/framework/log"
	sendcli "github.com/foxcpp/sendpolicy/internal/cli"
	"github.com/foxcpp/sendpolicy/internal/endpoint/openmetrics"
	"github.com/foxcpp/sendpolicy/internal/endpoint/submission"
	"github.com/foxcpp/sendpolicy/internal/pipeline"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func init() {
	sendcli.AddSubcommand(&cli.Command{
		Name:   "run",
		Usage:  "Start the server",
		Action: runCommand,
	})
}

// server is the set of running components built from the configuration.
type server struct {
	pipeline  *pipeline.Pipeline
	endpoints []*submission.Endpoint
	metrics   *openmetrics.Endpoint
}

func buildServer(nodes []config.Node) (*server, error) {
	globals, nodes, err := readGlobals(nodes)
	if err != nil {
		return nil, err
	}

	s := &server{}
	var rest []config.Node
	s.pipeline, rest, err = pipeline.Configure(globals, config.Node{Children: nodes}, namedLogger("pipeline"))
	if err != nil {
		return nil, err
	}

	for _, node := range rest {
		switch node.Name {
		case "submission":
			endp := submission.New(node.Name, node.Args, s.pipeline, namedLogger(node.Name))
			if err := endp.Init(config.NewMap(globals, node)); err != nil {
				s.close()
				return nil, err
			}
			s.endpoints = append(s.endpoints, endp)
		case "metrics":
			if s.metrics != nil {
				s.close()
				return nil, config.NodeErr(node, "duplicate directive: metrics")
			}
			s.metrics = openmetrics.New(node.Args, namedLogger("metrics"))
			if err := s.metrics.Init(config.NewMap(globals, node)); err != nil {
				s.metrics = nil
				s.close()
				return nil, err
			}
		default:
			s.close()
			return nil, config.NodeErr(node, "unexpected directive: %s", node.Name)
		}
	}
	if len(s.endpoints) == 0 {
		s.close()
		return nil, errors.New("no submission endpoints configured")
	}
	return s, nil
}

func (s *server) close() {
	for _, endp := range s.endpoints {
		if err := endp.Close(); err != nil {
			log.Printf("%s: close failed: %v", endp.Name(), err)
		}
	}
	if s.metrics != nil {
		if err := s.metrics.Close(); err != nil {
			log.Printf("metrics: close failed: %v", err)
		}
	}
	if s.pipeline != nil {
		s.pipeline.Close()
	}
	hooks.RunHooks(hooks.EventShutdown)
}

func runCommand(c *cli.Context) error {
	nodes, err := readConfig(c)
	if err != nil {
		return err
	}
	s, err := buildServer(nodes)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}

	eg, ctx := errgroup.WithContext(c.Context)
	if s.metrics != nil {
		eg.Go(s.metrics.Serve)
	}
	eg.Go(func() error {
		waitForSignal(ctx)
		s.close()
		return nil
	})
	return eg.Wait()
}
