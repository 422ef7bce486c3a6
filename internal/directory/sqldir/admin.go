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

package sqldir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/storage/sqldb"
	"github.com/google/uuid"
)

var (
	ErrUserExists    = errors.New("sqldir: user already exists")
	ErrNoSuchUser    = errors.New("sqldir: no such user")
	ErrAddressExists = errors.New("sqldir: address already exists")
	ErrNotFound      = errors.New("sqldir: no such entry")
)

// UserOptions are the account settings that can be changed after creation.
type UserOptions struct {
	Quota          int64
	RecipientLimit int64
	CopyToSent     bool
	Encrypt        bool
	PubKey         string
	Require2FA     bool
}

// CreateUser creates the account and the address entry owned by it. The
// password is hashed with the configured algorithm. Empty password leaves
// the account usable only through application-specific passwords or the
// credentials backend.
func (d *Directory) CreateUser(ctx context.Context, username, addr, password string, opts UserOptions) (string, error) {
	key, err := NormalizeUsername(username)
	if err != nil {
		return "", fmt.Errorf("sqldir: malformed username: %w", err)
	}
	addrview, err := address.ForOwnership(addr)
	if err != nil {
		return "", fmt.Errorf("sqldir: malformed address: %w", err)
	}
	passHash := ""
	if password != "" {
		passHash, err = HashPassword(d.hashAlgo, d.hashOpts, password)
		if err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	err = d.db.Tx(ctx, func(tx *sqldb.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO users (id, username, address, password, require_2fa,
				quota, recipient_limit, copy_to_sent, encrypt, pubkey)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, key, addr, passHash, opts.Require2FA,
			opts.Quota, opts.RecipientLimit, opts.CopyToSent, opts.Encrypt, opts.PubKey)
		if err != nil {
			if sqldb.IsUniqueViolation(err) {
				return ErrUserExists
			}
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO addresses (addrview, address, user_id) VALUES (?, ?, ?)`,
			addrview, addr, id)
		if err != nil {
			if sqldb.IsUniqueViolation(err) {
				return ErrAddressExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d *Directory) userID(ctx context.Context, q interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
}, username string) (string, error) {
	key, err := NormalizeUsername(username)
	if err != nil {
		return "", ErrNoSuchUser
	}
	var id string
	if err := q.QueryRow(ctx, `SELECT id FROM users WHERE username = ?`, key).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoSuchUser
		}
		return "", err
	}
	return id, nil
}

func (d *Directory) SetOptions(ctx context.Context, username string, opts UserOptions) error {
	key, err := NormalizeUsername(username)
	if err != nil {
		return ErrNoSuchUser
	}
	res, err := d.db.Exec(ctx, `UPDATE users SET require_2fa = ?, quota = ?, recipient_limit = ?,
			copy_to_sent = ?, encrypt = ?, pubkey = ?
		WHERE username = ?`,
		opts.Require2FA, opts.Quota, opts.RecipientLimit, opts.CopyToSent, opts.Encrypt, opts.PubKey, key)
	return checkAffected(res, err, ErrNoSuchUser)
}

func (d *Directory) SetPassword(ctx context.Context, username, password string) error {
	key, err := NormalizeUsername(username)
	if err != nil {
		return ErrNoSuchUser
	}
	passHash, err := HashPassword(d.hashAlgo, d.hashOpts, password)
	if err != nil {
		return err
	}
	res, err := d.db.Exec(ctx, `UPDATE users SET password = ? WHERE username = ?`, passHash, key)
	return checkAffected(res, err, ErrNoSuchUser)
}

// SetAppPassword creates or replaces the application-specific password
// with the specified scope.
func (d *Directory) SetAppPassword(ctx context.Context, username, scope, password string) error {
	if scope == "" || strings.EqualFold(scope, module.ScopeMaster) {
		return fmt.Errorf("sqldir: reserved scope name: %q", scope)
	}
	passHash, err := HashPassword(d.hashAlgo, d.hashOpts, password)
	if err != nil {
		return err
	}
	return d.db.Tx(ctx, func(tx *sqldb.Tx) error {
		id, err := d.userID(ctx, tx, username)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM app_passwords WHERE user_id = ? AND scope = ?`, id, scope); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO app_passwords (id, user_id, scope, password) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), id, scope, passHash)
		return err
	})
}

func (d *Directory) RemoveAppPassword(ctx context.Context, username, scope string) error {
	id, err := d.userID(ctx, d.db, username)
	if err != nil {
		return err
	}
	res, err := d.db.Exec(ctx, `DELETE FROM app_passwords WHERE user_id = ? AND scope = ?`, id, scope)
	return checkAffected(res, err, ErrNotFound)
}

// AddAddress creates an address entry. owner may be empty for pure
// forwarding addresses, targets are usernames. Use *@domain for a domain
// wildcard.
func (d *Directory) AddAddress(ctx context.Context, addr, owner string, targets []string) error {
	addrview := addr
	if !strings.HasPrefix(addr, "*@") {
		var err error
		addrview, err = address.ForOwnership(addr)
		if err != nil {
			return fmt.Errorf("sqldir: malformed address: %w", err)
		}
	} else {
		addrview = strings.ToLower(addr)
	}

	return d.db.Tx(ctx, func(tx *sqldb.Tx) error {
		var ownerID sql.NullString
		if owner != "" {
			id, err := d.userID(ctx, tx, owner)
			if err != nil {
				return err
			}
			ownerID = sql.NullString{String: id, Valid: true}
		}
		targetIDs := make([]string, 0, len(targets))
		for _, t := range targets {
			id, err := d.userID(ctx, tx, t)
			if err != nil {
				return fmt.Errorf("%w: %s", err, t)
			}
			targetIDs = append(targetIDs, id)
		}

		_, err := tx.Exec(ctx, `INSERT INTO addresses (addrview, address, user_id, targets) VALUES (?, ?, ?, ?)`,
			addrview, addr, ownerID, strings.Join(targetIDs, ","))
		if err != nil && sqldb.IsUniqueViolation(err) {
			return ErrAddressExists
		}
		return err
	})
}

func (d *Directory) RemoveAddress(ctx context.Context, addr string) error {
	addrview := strings.ToLower(addr)
	if !strings.HasPrefix(addr, "*@") {
		var err error
		addrview, err = address.ForOwnership(addr)
		if err != nil {
			return fmt.Errorf("sqldir: malformed address: %w", err)
		}
	}
	res, err := d.db.Exec(ctx, `DELETE FROM addresses WHERE addrview = ?`, addrview)
	return checkAffected(res, err, ErrNotFound)
}

// AddAudit creates an audit capture for the user. Zero start or end leaves
// that side of the window open.
func (d *Directory) AddAudit(ctx context.Context, username string, start, end time.Time) (string, error) {
	userID, err := d.userID(ctx, d.db, username)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = d.db.Exec(ctx, `INSERT INTO audits (id, user_id, start_time, end_time) VALUES (?, ?, ?, ?)`,
		id, userID, unixOrNull(start), unixOrNull(end))
	if err != nil {
		return "", err
	}
	return id, nil
}

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func checkAffected(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
