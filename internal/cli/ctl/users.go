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
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/foxcpp/sendpolicy/framework/hooks"
	sendcli "github.com/foxcpp/sendpolicy/internal/cli"
	"github.com/foxcpp/sendpolicy/internal/cli/clitools"
	"github.com/foxcpp/sendpolicy/internal/directory/sqldir"
	"github.com/urfave/cli/v2"
)

func init() {
	userFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "quota",
			Usage: "Storage quota for the Sent copies, e.g. 1GB (0 is unlimited)",
			Value: "0",
		},
		&cli.Int64Flag{
			Name:  "recipient-limit",
			Usage: "Recipients per 24 hours (0 is unlimited)",
		},
		&cli.BoolFlag{
			Name:  "copy-to-sent",
			Usage: "Store a copy of every submitted message in the Sent mailbox",
		},
		&cli.PathFlag{
			Name:  "pubkey",
			Usage: "Encrypt stored copies with the OpenPGP public key in `FILE`",
		},
		&cli.BoolFlag{
			Name:  "require-2fa",
			Usage: "Allow only application-specific passwords for SMTP",
		},
	}

	sendcli.AddSubcommand(&cli.Command{
		Name:  "users",
		Usage: "User accounts management",
		Description: `These commands change the SQL directory used by the server.

The directory must be defined by the 'directory sql' block in the configuration
file.
`,
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create the user account",
				ArgsUsage: "USERNAME ADDRESS",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    "password",
						Aliases: []string{"p"},
						Usage:   "Use `PASSWORD` instead of reading password from stdin.\n\t\tWARNING: Provided only for debugging convenience. Don't leave your passwords in shell history!",
					},
					&cli.BoolFlag{
						Name:  "null",
						Usage: "Create the account without a master password",
					},
				}, userFlags...),
				Action: usersCreate,
			},
			{
				Name:      "set",
				Usage:     "Replace account settings",
				ArgsUsage: "USERNAME",
				Flags:     userFlags,
				Action:    usersSet,
			},
			{
				Name:      "passwd",
				Usage:     "Change the master or an application-specific password",
				ArgsUsage: "USERNAME",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "password",
						Aliases: []string{"p"},
						Usage:   "Use `PASSWORD` instead of reading password from stdin.\n\t\tWARNING: Provided only for debugging convenience. Don't leave your passwords in shell history!",
					},
					&cli.StringFlag{
						Name:  "app-scope",
						Usage: "Change the application-specific password with `SCOPE`",
					},
					&cli.BoolFlag{
						Name:  "remove",
						Usage: "Remove the application-specific password instead",
					},
				},
				Action: usersPasswd,
			},
			{
				Name:  "address",
				Usage: "Address and forwarding entries",
				Subcommands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Create the address entry, *@domain for a domain wildcard",
						ArgsUsage: "ADDRESS",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "owner",
								Usage: "Username of the address owner",
							},
							&cli.StringSliceFlag{
								Name:  "forward",
								Usage: "Username to forward messages to, can be repeated",
							},
						},
						Action: addressAdd,
					},
					{
						Name:      "remove",
						Usage:     "Remove the address entry",
						ArgsUsage: "ADDRESS",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:    "yes",
								Aliases: []string{"y"},
								Usage:   "Don't ask for confirmation",
							},
						},
						Action: addressRemove,
					},
				},
			},
			{
				Name:      "audit",
				Usage:     "Start capturing messages sent by the user",
				ArgsUsage: "USERNAME",
				Flags: []cli.Flag{
					&cli.TimestampFlag{
						Name:   "start",
						Usage:  "Start of the capture window, open if not set",
						Layout: time.RFC3339,
					},
					&cli.TimestampFlag{
						Name:   "end",
						Usage:  "End of the capture window, open if not set",
						Layout: time.RFC3339,
					},
				},
				Action: usersAudit,
			},
		},
	})
}

func userOptions(c *cli.Context) (sqldir.UserOptions, error) {
	opts := sqldir.UserOptions{
		RecipientLimit: c.Int64("recipient-limit"),
		CopyToSent:     c.Bool("copy-to-sent"),
		Require2FA:     c.Bool("require-2fa"),
	}

	quota, err := humanize.ParseBytes(c.String("quota"))
	if err != nil {
		return sqldir.UserOptions{}, cli.Exit(fmt.Sprintf("Error: invalid quota: %v", err), 2)
	}
	opts.Quota = int64(quota)

	if path := c.Path("pubkey"); path != "" {
		key, err := os.ReadFile(path)
		if err != nil {
			return sqldir.UserOptions{}, err
		}
		opts.Encrypt = true
		opts.PubKey = string(key)
	}
	return opts, nil
}

func passwordArg(c *cli.Context) (string, error) {
	if c.IsSet("password") {
		return c.String("password"), nil
	}
	return clitools.ReadNewPassword()
}

func usersCreate(c *cli.Context) error {
	username, addr := c.Args().Get(0), c.Args().Get(1)
	if username == "" || addr == "" {
		return cli.Exit("Error: USERNAME and ADDRESS are required", 2)
	}
	opts, err := userOptions(c)
	if err != nil {
		return err
	}

	var pass string
	if !c.Bool("null") {
		pass, err = passwordArg(c)
		if err != nil {
			return err
		}
	}

	dir, err := openDirectory(c)
	if err != nil {
		return err
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	id, err := dir.CreateUser(c.Context, username, addr, pass, opts)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func usersSet(c *cli.Context) error {
	username := c.Args().First()
	if username == "" {
		return cli.Exit("Error: USERNAME is required", 2)
	}
	opts, err := userOptions(c)
	if err != nil {
		return err
	}

	dir, err := openDirectory(c)
	if err != nil {
		return err
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	return dir.SetOptions(c.Context, username, opts)
}

func usersPasswd(c *cli.Context) error {
	username := c.Args().First()
	if username == "" {
		return cli.Exit("Error: USERNAME is required", 2)
	}
	scope := c.String("app-scope")
	if c.Bool("remove") && scope == "" {
		return cli.Exit("Error: --remove requires --app-scope", 2)
	}

	var (
		pass string
		err  error
	)
	if !c.Bool("remove") {
		pass, err = passwordArg(c)
		if err != nil {
			return err
		}
	}

	dir, err := openDirectory(c)
	if err != nil {
		return err
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	switch {
	case c.Bool("remove"):
		err = dir.RemoveAppPassword(c.Context, username, scope)
	case scope != "":
		err = dir.SetAppPassword(c.Context, username, scope, pass)
	default:
		err = dir.SetPassword(c.Context, username, pass)
	}
	if errors.Is(err, sqldir.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("Error: no password with scope %s", scope), 1)
	}
	return err
}

func addressAdd(c *cli.Context) error {
	addr := c.Args().First()
	if addr == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}
	owner, targets := c.String("owner"), c.StringSlice("forward")
	if owner == "" && len(targets) == 0 {
		return cli.Exit("Error: --owner or --forward is required", 2)
	}

	dir, err := openDirectory(c)
	if err != nil {
		return err
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	return dir.AddAddress(c.Context, addr, owner, targets)
}

func addressRemove(c *cli.Context) error {
	addr := c.Args().First()
	if addr == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}
	if !c.Bool("yes") && !clitools.Confirmation("Remove "+addr+"?", false) {
		return errors.New("cancelled")
	}

	dir, err := openDirectory(c)
	if err != nil {
		return err
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	return dir.RemoveAddress(c.Context, addr)
}

func usersAudit(c *cli.Context) error {
	username := c.Args().First()
	if username == "" {
		return cli.Exit("Error: USERNAME is required", 2)
	}
	var start, end time.Time
	if ts := c.Timestamp("start"); ts != nil {
		start = *ts
	}
	if ts := c.Timestamp("end"); ts != nil {
		end = *ts
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return cli.Exit("Error: --end must be after --start", 2)
	}

	dir, err := openDirectory(c)
	if err != nil {
		return err
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	id, err := dir.AddAudit(c.Context, username, start, end)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
