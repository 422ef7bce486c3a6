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

// Package ctl implements the sendpolicy subcommands.
package ctl

import (
	"fmt"

	"github.com/foxcpp/sendpolicy/framework/config"
	modconfig "github.com/foxcpp/sendpolicy/framework/config/module"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/internal/directory/sqldir"
	"github.com/urfave/cli/v2"

	// Drivers referenced from the configuration.
	_ "github.com/foxcpp/sendpolicy/internal/auth/ldap"
	_ "github.com/foxcpp/sendpolicy/internal/dkim"
	_ "github.com/foxcpp/sendpolicy/internal/events"
	_ "github.com/foxcpp/sendpolicy/internal/limits/counter"
	_ "github.com/foxcpp/sendpolicy/internal/storage/blob/fs"
	_ "github.com/foxcpp/sendpolicy/internal/storage/blob/s3"
	_ "github.com/foxcpp/sendpolicy/internal/storage/sqlstore"
)

func readConfig(c *cli.Context) ([]config.Node, error) {
	path := c.Path("config")
	if path == "" {
		return nil, cli.Exit("Error: config is required", 2)
	}
	nodes, err := config.ReadFile(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to read config: %v", err), 2)
	}
	return nodes, nil
}

// readGlobals processes the directives inherited by all blocks and applies
// the logging configuration. Remaining directives are returned.
func readGlobals(nodes []config.Node) (map[string]interface{}, []config.Node, error) {
	cfg := config.NewMap(nil, config.Node{Children: nodes})
	cfg.AllowUnknown()
	cfg.String("hostname", false, false, "", nil)
	cfg.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	cfg.Custom("log", false, false, defaultLogOutput, logOutputDirective, &log.DefaultLogger.Out)
	unknown, err := cfg.Process()
	if err != nil {
		return nil, nil, err
	}
	return cfg.Values, unknown, nil
}

func namedLogger(name string) log.Logger {
	return log.Logger{
		Name:  name,
		Out:   log.DefaultLogger.Out,
		Debug: log.DefaultLogger.Debug,
	}
}

// openDirectory initializes only the directory block of the configuration.
// It must be an SQL directory since the subcommands change it.
func openDirectory(c *cli.Context) (*sqldir.Directory, error) {
	nodes, err := readConfig(c)
	if err != nil {
		return nil, err
	}
	globals, nodes, err := readGlobals(nodes)
	if err != nil {
		return nil, err
	}

	for _, node := range nodes {
		if node.Name != "directory" {
			continue
		}
		var dir *sqldir.Directory
		if err := modconfig.ModuleFromNode("directory", node, globals, &dir); err != nil {
			return nil, err
		}
		return dir, nil
	}
	return nil, cli.Exit("Error: no directory configured", 2)
}
