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

// Package sqldir implements module.Directory on top of an SQL database.
//
// Tables:
//
//	users         - accounts with quota, recipient limit and archiving flags
//	app_passwords - application-specific passwords, one scope each
//	addresses     - address ownership and forwarding targets
//	audits        - audit captures, read by the audit store
//
// Address rows are matched by the addrview column that holds the
// address.ForOwnership form, so dot and case variations of the local-part
// map to the same row. Wildcard rows use *@domain.
package sqldir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/config"
	modconfig "github.com/foxcpp/sendpolicy/framework/config/module"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/storage/sqldb"
	"golang.org/x/text/secure/precis"
)

const modName = "directory.sql"

// Schema creates the directory tables. It is shared with the SQL message
// store which updates users.storage_used and reads audits.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		username VARCHAR(255) NOT NULL UNIQUE,
		address VARCHAR(255) NOT NULL,
		password TEXT NOT NULL DEFAULT '',
		require_2fa BOOLEAN NOT NULL DEFAULT FALSE,
		quota BIGINT NOT NULL DEFAULT 0,
		storage_used BIGINT NOT NULL DEFAULT 0,
		recipient_limit BIGINT NOT NULL DEFAULT 0,
		copy_to_sent BOOLEAN NOT NULL DEFAULT TRUE,
		encrypt BOOLEAN NOT NULL DEFAULT FALSE,
		pubkey TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS app_passwords (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		scope VARCHAR(255) NOT NULL,
		password TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		addrview VARCHAR(255) PRIMARY KEY,
		address VARCHAR(255) NOT NULL,
		user_id VARCHAR(64) REFERENCES users(id) ON DELETE CASCADE,
		targets TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS audits (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		start_time BIGINT,
		end_time BIGINT
	)`,
}

// PasswordChecker is an external credential backend. When configured, it
// replaces the check of the primary password stored in the users table.
// Application-specific passwords are still checked locally.
type PasswordChecker interface {
	CheckPassword(ctx context.Context, username, password string) (bool, error)
}

type Directory struct {
	instName string
	db       *sqldb.DB

	credentials PasswordChecker
	hashAlgo    string
	hashOpts    HashOpts

	log log.Logger
}

func New(_, instName string, _ []string) (module.Module, error) {
	return &Directory{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

// Open wraps an already opened database and creates the tables.
func Open(ctx context.Context, db *sqldb.DB, logger log.Logger) (*Directory, error) {
	if err := db.InitSchema(ctx, Schema); err != nil {
		return nil, err
	}
	return &Directory{
		db:       db,
		hashAlgo: DefaultHash,
		hashOpts: DefaultHashOpts,
		log:      logger,
	}, nil
}

func (d *Directory) Name() string {
	return modName
}

func (d *Directory) InstanceName() string {
	return d.instName
}

func (d *Directory) Init(cfg *config.Map) error {
	open := sqldb.OpenConfig(cfg)
	cfg.Bool("debug", true, false, &d.log.Debug)
	cfg.Enum("hash", false, false, Hashes, DefaultHash, &d.hashAlgo)
	cfg.Int("bcrypt_cost", false, false, DefaultHashOpts.BcryptCost, &d.hashOpts.BcryptCost)
	cfg.Custom("argon2_time", false, false, func() (interface{}, error) {
		return DefaultHashOpts.Argon2Time, nil
	}, uint32Directive, &d.hashOpts.Argon2Time)
	cfg.Custom("argon2_memory", false, false, func() (interface{}, error) {
		return DefaultHashOpts.Argon2Memory, nil
	}, uint32Directive, &d.hashOpts.Argon2Memory)
	d.hashOpts.Argon2Threads = DefaultHashOpts.Argon2Threads
	cfg.Custom("credentials", false, false, nil,
		modconfig.Matcher("auth", new(PasswordChecker)), &d.credentials)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	db, err := open()
	if err != nil {
		return err
	}
	if err := db.InitSchema(context.Background(), Schema); err != nil {
		db.Close()
		return err
	}
	d.db = db
	return nil
}

func uint32Directive(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) != 1 {
		return nil, config.NodeErr(node, "exactly one argument required")
	}
	var val uint32
	if _, err := fmt.Sscanf(node.Args[0], "%d", &val); err != nil {
		return nil, config.NodeErr(node, "invalid integer: %s", node.Args[0])
	}
	return val, nil
}

func (d *Directory) Close() error {
	return d.db.Close()
}

// DB returns the underlying database.
func (d *Directory) DB() *sqldb.DB {
	return d.db
}

// NormalizeUsername returns the key usernames are stored and looked up by.
func NormalizeUsername(username string) (string, error) {
	return precis.UsernameCaseMapped.CompareKey(username)
}

func (d *Directory) Authenticate(ctx context.Context, username, password string, info module.AuthInfo) (*module.AuthResult, error) {
	key, err := NormalizeUsername(username)
	if err != nil {
		d.log.DebugMsg("malformed username", "username", username, "reason", err)
		return nil, nil
	}

	var (
		userID, canonical, passHash string
		require2FA                  bool
	)
	err = d.db.QueryRow(ctx, `SELECT id, username, password, require_2fa FROM users WHERE username = ?`, key).
		Scan(&userID, &canonical, &passHash, &require2FA)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqldir: authenticate %s: %w", key, err)
	}

	result := &module.AuthResult{
		UserID:     userID,
		Username:   canonical,
		Require2FA: require2FA,
	}

	ok, err := d.checkPrimary(ctx, canonical, passHash, password)
	if err != nil {
		return nil, err
	}
	if ok {
		result.Scope = module.ScopeMaster
		return result, nil
	}

	scope, err := d.checkAppPasswords(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	if scope == "" {
		d.log.DebugMsg("credentials mismatch", "username", canonical, "protocol", info.Protocol, "src_ip", info.IP)
		return nil, nil
	}
	result.Scope = scope
	return result, nil
}

func (d *Directory) checkPrimary(ctx context.Context, username, passHash, password string) (bool, error) {
	if d.credentials != nil {
		ok, err := d.credentials.CheckPassword(ctx, username, password)
		if err != nil {
			return false, fmt.Errorf("sqldir: credentials backend: %w", err)
		}
		return ok, nil
	}

	if passHash == "" {
		return false, nil
	}
	err := VerifyPassword(passHash, password)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrHashMismatch) {
		d.log.Error("unusable password hash", err, "username", username)
	}
	return false, nil
}

// checkAppPasswords returns the scope of the matching application-specific
// password or an empty string.
func (d *Directory) checkAppPasswords(ctx context.Context, userID, password string) (string, error) {
	rows, err := d.db.Query(ctx, `SELECT scope, password FROM app_passwords WHERE user_id = ? ORDER BY scope`, userID)
	if err != nil {
		return "", fmt.Errorf("sqldir: app passwords: %w", err)
	}
	defer rows.Close()

	type appPass struct{ scope, hash string }
	var list []appPass
	for rows.Next() {
		var p appPass
		if err := rows.Scan(&p.scope, &p.hash); err != nil {
			return "", fmt.Errorf("sqldir: app passwords: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("sqldir: app passwords: %w", err)
	}

	for _, p := range list {
		err := VerifyPassword(p.hash, password)
		if err == nil {
			return p.scope, nil
		}
		if !errors.Is(err, ErrHashMismatch) {
			d.log.Error("unusable password hash", err, "user_id", userID, "scope", p.scope)
		}
	}
	return "", nil
}

func (d *Directory) FindByUsername(ctx context.Context, username string) (*module.UserRecord, error) {
	key, err := NormalizeUsername(username)
	if err != nil {
		return nil, nil
	}

	var u module.UserRecord
	err = d.db.QueryRow(ctx, `SELECT id, username, address, quota, storage_used, recipient_limit,
			copy_to_sent, encrypt, pubkey
		FROM users WHERE username = ?`, key).
		Scan(&u.ID, &u.Username, &u.Address, &u.Quota, &u.StorageUsed, &u.RecipientLimit,
			&u.CopyToSent, &u.Encrypt, &u.PubKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqldir: find %s: %w", key, err)
	}
	return &u, nil
}

func (d *Directory) ResolveAddress(ctx context.Context, addr string, opts module.ResolveOpts) (*module.AddressRecord, error) {
	rec, err := d.lookupAddress(ctx, addr)
	if err != nil || rec != nil || !opts.Wildcard {
		return rec, err
	}

	wildcard, err := address.Wildcard(addr)
	if err != nil {
		return nil, nil
	}
	return d.lookupAddress(ctx, wildcard)
}

func (d *Directory) lookupAddress(ctx context.Context, addrview string) (*module.AddressRecord, error) {
	var (
		rec     module.AddressRecord
		userID  sql.NullString
		targets string
	)
	err := d.db.QueryRow(ctx, `SELECT address, user_id, targets FROM addresses WHERE addrview = ?`, addrview).
		Scan(&rec.Address, &userID, &targets)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqldir: resolve %s: %w", addrview, err)
	}
	rec.UserID = userID.String
	rec.Targets = splitTargets(targets)
	return &rec, nil
}

func splitTargets(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	targets := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			targets = append(targets, p)
		}
	}
	return targets
}

func init() {
	var _ module.Directory = &Directory{}
	module.Register(modName, New)
}
