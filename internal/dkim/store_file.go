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

package dkim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/dns"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

// FileStore keeps keys in PEM files listed in the configuration:
//
//	store file:
//	  key example.org default: dkim_keys/example.org.key
//	  key * default: dkim_keys/wildcard.key
//	  newkey_algo: ed25519
//
// Missing key files are generated if newkey_algo is set.
type FileStore struct {
	instName string
	keys     map[string]module.DKIMKey
	log      log.Logger
}

func NewFileStore(_, instName string, _ []string) (module.Module, error) {
	return &FileStore{
		instName: instName,
		keys:     make(map[string]module.DKIMKey),
		log:      log.Logger{Name: "dkim.file"},
	}, nil
}

func (s *FileStore) Name() string {
	return "dkim.file"
}

func (s *FileStore) InstanceName() string {
	return s.instName
}

type keyEntry struct {
	node     config.Node
	domain   string
	selector string
	path     string
}

func (s *FileStore) Init(cfg *config.Map) error {
	var (
		entries    []keyEntry
		newKeyAlgo string
	)
	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.String("newkey_algo", false, false, "", &newKeyAlgo)
	cfg.Callback("key", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 3 {
			return config.NodeErr(node, "expected: key <domain> <selector> <path>")
		}
		entries = append(entries, keyEntry{
			node:     node,
			domain:   node.Args[0],
			selector: node.Args[1],
			path:     node.Args[2],
		})
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	for _, e := range entries {
		if err := s.loadKey(e, newKeyAlgo); err != nil {
			return config.NodeErr(e.node, "%v", err)
		}
	}
	return nil
}

func (s *FileStore) loadKey(e keyEntry, newKeyAlgo string) error {
	domain := WildcardDomain
	if e.domain != WildcardDomain {
		var err error
		domain, err = dns.ForLookup(e.domain)
		if err != nil {
			return fmt.Errorf("dkim: unable to normalize domain %s: %w", e.domain, err)
		}
	}

	key, err := LoadKeyFile(e.path)
	if err != nil {
		if !os.IsNotExist(err) || newKeyAlgo == "" {
			return err
		}
		key, err = GenerateKey(newKeyAlgo)
		if err != nil {
			return err
		}
		dnsPath, err := WriteKeyFile(e.path, key)
		if err != nil {
			return err
		}
		s.log.Printf("generated a new %s keypair, private key is in %s, TXT record with public key is in %s,\n"+
			"put its contents into TXT record for %s to make signing and verification work",
			newKeyAlgo, e.path, dnsPath, RecordName(e.selector, e.domain))
	}

	if _, ok := s.keys[domain]; ok {
		return fmt.Errorf("dkim: duplicate key for %s", domain)
	}
	s.keys[domain] = module.DKIMKey{Domain: domain, Selector: e.selector, Signer: key}
	s.log.DebugMsg("loaded key", "domain", domain, "selector", e.selector, "path", filepath.Clean(e.path))
	return nil
}

func (s *FileStore) LookupDKIM(_ context.Context, domain string) (module.DKIMKey, error) {
	key, ok := s.keys[domain]
	if !ok {
		return module.DKIMKey{}, module.ErrNoSuchKey
	}
	return key, nil
}

func init() {
	module.Register("dkim.file", NewFileStore)
}
