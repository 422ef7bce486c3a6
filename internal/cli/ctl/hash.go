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
	"strings"

	sendcli "github.com/foxcpp/sendpolicy/internal/cli"
	"github.com/foxcpp/sendpolicy/internal/cli/clitools"
	"github.com/foxcpp/sendpolicy/internal/directory/sqldir"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	sendcli.AddSubcommand(&cli.Command{
		Name:   "hash",
		Usage:  "Generate password hashes for direct insertion into the users table",
		Action: hashCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "Use `PASSWORD` instead of reading password from stdin.\n\t\tWARNING: Provided only for debugging convenience. Don't leave your passwords in shell history!",
			},
			&cli.StringFlag{
				Name:  "hash",
				Usage: "Use specified hash algorithm: " + strings.Join(sqldir.Hashes, ", "),
				Value: sqldir.DefaultHash,
			},
			&cli.IntFlag{
				Name:  "bcrypt-cost",
				Usage: "Specify bcrypt cost value",
				Value: sqldir.DefaultHashOpts.BcryptCost,
			},
			&cli.UintFlag{
				Name:  "argon2-time",
				Usage: "Time factor for Argon2id",
				Value: uint(sqldir.DefaultHashOpts.Argon2Time),
			},
			&cli.UintFlag{
				Name:  "argon2-memory",
				Usage: "Memory in KiB to use for Argon2id",
				Value: uint(sqldir.DefaultHashOpts.Argon2Memory),
			},
			&cli.UintFlag{
				Name:  "argon2-threads",
				Usage: "Threads to use for Argon2id",
				Value: uint(sqldir.DefaultHashOpts.Argon2Threads),
			},
		},
	})
}

func hashCommand(c *cli.Context) error {
	cost := c.Int("bcrypt-cost")
	if cost > bcrypt.MaxCost {
		return cli.Exit("Error: too big bcrypt cost", 2)
	}
	if cost < bcrypt.MinCost {
		return cli.Exit("Error: too small bcrypt cost", 2)
	}
	opts := sqldir.HashOpts{
		BcryptCost:    cost,
		Argon2Time:    uint32(c.Uint("argon2-time")),
		Argon2Memory:  uint32(c.Uint("argon2-memory")),
		Argon2Threads: uint8(c.Uint("argon2-threads")),
	}

	var (
		pass string
		err  error
	)
	if c.IsSet("password") {
		pass = c.String("password")
	} else {
		pass, err = clitools.ReadPassword("Password")
		if err != nil {
			return err
		}
	}
	if pass == "" {
		return cli.Exit("Error: empty password", 2)
	}

	hash, err := sqldir.HashPassword(c.String("hash"), opts, pass)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	fmt.Println(hash)
	return nil
}
