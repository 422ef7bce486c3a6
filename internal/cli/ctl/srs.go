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

	sendcli "github.com/foxcpp/sendpolicy/internal/cli"
	"github.com/foxcpp/sendpolicy/internal/srs"
	"github.com/urfave/cli/v2"
)

func init() {
	srsFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "secret",
			Usage:    "SRS secret, same as in the srs block",
			EnvVars:  []string{"SENDPOLICY_SRS_SECRET"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "domain",
			Usage:    "SRS rewrite domain",
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "max-age",
			Usage: "Reject reverse addresses older than this",
			Value: srs.DefaultMaxAge,
		},
	}

	sendcli.AddSubcommand(&cli.Command{
		Name:  "srs",
		Usage: "Sender Rewriting Scheme address conversion",
		Subcommands: []*cli.Command{
			{
				Name:      "forward",
				Usage:     "Rewrite the sender address",
				ArgsUsage: "ADDRESS",
				Flags:     srsFlags,
				Action: func(c *cli.Context) error {
					return srsConvert(c, (*srs.Codec).Forward)
				},
			},
			{
				Name:      "reverse",
				Usage:     "Recover the original address from the SRS address",
				ArgsUsage: "ADDRESS",
				Flags:     srsFlags,
				Action: func(c *cli.Context) error {
					return srsConvert(c, (*srs.Codec).Reverse)
				},
			},
		},
	})
}

func srsConvert(c *cli.Context, conv func(*srs.Codec, string) (string, error)) error {
	addr := c.Args().First()
	if addr == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}
	codec := srs.New(c.String("secret"), c.String("domain"))
	codec.MaxAge = c.Duration("max-age")

	res, err := conv(codec, addr)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}
	fmt.Println(res)
	return nil
}
