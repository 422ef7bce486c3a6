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

// Package cli holds the command line application shared by all sendpolicy
// subcommands. Subcommands register themselves from init functions.
package cli

import (
	"fmt"
	"os"

	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/urfave/cli/v2"
)

// DefaultConfig is the configuration path used if --config is not set.
var DefaultConfig = "/etc/sendpolicy/sendpolicy.yml"

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "sendpolicy"
	app.Usage = "submission policy pipeline for outgoing mail"
	app.Description = `sendpolicy accepts authenticated submissions, applies sender identity,
recipient limits and archiving policies and relays the messages to a
smarthost with SRS and DKIM applied.

This executable starts the server ('run') and manages the databases used
by it (all other subcommands).
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"SENDPOLICY_CONFIG"},
			Value:   DefaultConfig,
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging early",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			log.DefaultLogger.Debug = true
		}
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// Run parses os.Args and runs the selected subcommand.
func Run() {
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
