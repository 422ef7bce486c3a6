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
	"path/filepath"

	"github.com/foxcpp/sendpolicy/framework/config"
	modconfig "github.com/foxcpp/sendpolicy/framework/config/module"
	"github.com/foxcpp/sendpolicy/framework/dns"
	"github.com/foxcpp/sendpolicy/framework/hooks"
	sendcli "github.com/foxcpp/sendpolicy/internal/cli"
	"github.com/foxcpp/sendpolicy/internal/dkim"
	"github.com/urfave/cli/v2"
)

func init() {
	sendcli.AddSubcommand(&cli.Command{
		Name:  "dkim",
		Usage: "DKIM keys management",
		Subcommands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate the signing key and print the DNS record for it",
				Description: `The key is written to DIR/DOMAIN_SELECTOR.key and the TXT record value
to DIR/DOMAIN_SELECTOR.dns. With --sql, the key is stored in the SQL key
table of the configured 'dkim' block instead.
`,
				ArgsUsage: "DOMAIN",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "selector",
						Usage: "DKIM selector",
						Value: "default",
					},
					&cli.StringFlag{
						Name:  "algo",
						Usage: "Key algorithm: rsa2048, rsa4096 or ed25519",
						Value: "rsa2048",
					},
					&cli.PathFlag{
						Name:  "dir",
						Usage: "Directory to write the key to",
						Value: "dkim_keys",
					},
					&cli.BoolFlag{
						Name:  "sql",
						Usage: "Store the key in the configured SQL key table",
					},
				},
				Action: dkimKeygen,
			},
		},
	})
}

func openDKIMSQLStore(c *cli.Context) (*dkim.SQLStore, error) {
	nodes, err := readConfig(c)
	if err != nil {
		return nil, err
	}
	globals, nodes, err := readGlobals(nodes)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.Name != "dkim" {
			continue
		}
		storeNode, ok := node.Child("store")
		if !ok {
			break
		}
		if len(storeNode.Args) == 0 || storeNode.Args[0] != "sql" {
			return nil, config.NodeErr(storeNode, "the key store is not sql")
		}
		var store *dkim.SQLStore
		if err := modconfig.ModuleFromNode("dkim", storeNode, globals, &store); err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, cli.Exit("Error: no dkim store configured", 2)
}

func dkimKeygen(c *cli.Context) error {
	domain := c.Args().First()
	if domain == "" {
		return cli.Exit("Error: DOMAIN is required", 2)
	}
	domain, err := dns.ForLookup(domain)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: malformed domain: %v", err), 2)
	}
	selector := c.String("selector")

	key, err := dkim.GenerateKey(c.String("algo"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	record, err := dkim.DNSRecord(key)
	if err != nil {
		return err
	}

	if c.Bool("sql") {
		store, err := openDKIMSQLStore(c)
		if err != nil {
			return err
		}
		defer hooks.RunHooks(hooks.EventShutdown)
		if err := store.PutKey(c.Context, domain, selector, key); err != nil {
			return err
		}
	} else {
		path := filepath.Join(c.Path("dir"), domain+"_"+selector+".key")
		if _, err := dkim.WriteKeyFile(path, key); err != nil {
			return err
		}
		fmt.Println("key written to", path)
	}

	fmt.Printf("%s TXT \"%s\"\n", dkim.RecordName(selector, domain), record)
	return nil
}
