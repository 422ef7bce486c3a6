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
	"crypto"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/storage/sqldb"
)

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS dkim_keys (
		domain VARCHAR(255) PRIMARY KEY,
		selector VARCHAR(255) NOT NULL,
		private_key TEXT NOT NULL
	)`,
}

// SQLStore keeps PEM-encoded keys in the dkim_keys table.
type SQLStore struct {
	instName string
	db       *sqldb.DB
}

func NewSQLStore(_, instName string, _ []string) (module.Module, error) {
	return &SQLStore{instName: instName}, nil
}

// OpenSQLStore wraps an already opened database and creates the table.
func OpenSQLStore(ctx context.Context, db *sqldb.DB) (*SQLStore, error) {
	if err := db.InitSchema(ctx, sqlSchema); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Name() string {
	return "dkim.sql"
}

func (s *SQLStore) InstanceName() string {
	return s.instName
}

func (s *SQLStore) Init(cfg *config.Map) error {
	open := sqldb.OpenConfig(cfg)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	db, err := open()
	if err != nil {
		return err
	}
	if err := db.InitSchema(context.Background(), sqlSchema); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) LookupDKIM(ctx context.Context, domain string) (module.DKIMKey, error) {
	var selector, pemKey string
	err := s.db.QueryRow(ctx, `SELECT selector, private_key FROM dkim_keys WHERE domain = ?`, domain).Scan(&selector, &pemKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return module.DKIMKey{}, module.ErrNoSuchKey
		}
		return module.DKIMKey{}, fmt.Errorf("dkim: lookup %s: %w", domain, err)
	}
	key, err := ParseKey([]byte(pemKey))
	if err != nil {
		return module.DKIMKey{}, fmt.Errorf("dkim: key for %s: %w", domain, err)
	}
	return module.DKIMKey{Domain: domain, Selector: selector, Signer: key}, nil
}

// PutKey stores the key, replacing the existing key for the domain.
func (s *SQLStore) PutKey(ctx context.Context, domain, selector string, key crypto.Signer) error {
	pemKey, err := MarshalKey(key)
	if err != nil {
		return err
	}
	return s.db.Tx(ctx, func(tx *sqldb.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM dkim_keys WHERE domain = ?`, domain); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO dkim_keys (domain, selector, private_key) VALUES (?, ?, ?)`,
			domain, selector, string(pemKey))
		return err
	})
}

func init() {
	module.Register("dkim.sql", NewSQLStore)
}
