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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/hooks"
	parser "github.com/foxcpp/sendpolicy/framework/logparser"
	sendcli "github.com/foxcpp/sendpolicy/internal/cli"
	"github.com/foxcpp/sendpolicy/internal/logevents"
	"github.com/foxcpp/sendpolicy/internal/pipeline"
	"github.com/urfave/cli/v2"
)

func init() {
	sendcli.AddSubcommand(&cli.Command{
		Name:  "logs",
		Usage: "Feed delivery records from a server log into the event sink",
		Description: `Each line is parsed as a server log message. Messages written by the
relay are normalized, emitted to the configured event sink and applied to the
audit delivery status, as if they came from the running server.
`,
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "module",
				Usage: "Only use messages logged by `NAME`, empty to use all",
				Value: "relay",
			},
		},
		Action: logsCommand,
	})
}

type feedStats struct {
	Lines, Malformed, Fed int
}

func feedLog(ctx context.Context, p *pipeline.Pipeline, r io.Reader, module string) (feedStats, error) {
	var stats feedStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stats.Lines++
		msg, err := parser.Parse(scanner.Text())
		if err != nil {
			var malformed parser.MalformedMsg
			if errors.As(err, &malformed) {
				stats.Malformed++
				continue
			}
			return stats, err
		}
		if msg.Debug || (module != "" && msg.Module != module) {
			continue
		}
		p.LogEntry(ctx, logevents.FromLogMsg(msg))
		stats.Fed++
	}
	return stats, scanner.Err()
}

func logsCommand(c *cli.Context) error {
	in := io.Reader(os.Stdin)
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	nodes, err := readConfig(c)
	if err != nil {
		return err
	}
	globals, nodes, err := readGlobals(nodes)
	if err != nil {
		return err
	}
	p, _, err := pipeline.Configure(globals, config.Node{Children: nodes}, namedLogger("pipeline"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	defer hooks.RunHooks(hooks.EventShutdown)
	defer p.Close()

	stats, err := feedLog(c.Context, p, in, c.String("module"))
	fmt.Fprintf(os.Stderr, "%d lines, %d malformed, %d records fed\n", stats.Lines, stats.Malformed, stats.Fed)
	return err
}
