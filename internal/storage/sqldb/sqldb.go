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

// Package sqldb contains the database/sql plumbing shared by the SQL-backed
// modules: driver registration, placeholder rebinding, schema setup and
// error classification.
//
// Supported drivers are "postgres", "mysql" and "sqlite3". The sqlite3
// driver is github.com/mattn/go-sqlite3 in cgo builds and modernc.org/sqlite
// otherwise.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

type DB struct {
	*sql.DB
	Driver string
}

func normalizeDriver(driver string) string {
	switch driver {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "postgresql", "pgx":
		return "postgres"
	}
	return driver
}

// Open opens the database. For sqlite3 the connection pool is limited to one
// connection so that in-memory databases and write locks behave.
func Open(driver, dsn string) (*DB, error) {
	driver = normalizeDriver(driver)
	switch driver {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("sqldb: unsupported driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqldb: %w", err)
		}
		if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqldb: %w", err)
		}
	}
	return &DB{DB: db, Driver: driver}, nil
}

// OpenConfig reads the driver and dsn directives and opens the database.
// It must be called before cfg.Process.
func OpenConfig(cfg *config.Map) func() (*DB, error) {
	var (
		driver string
		dsn    []string
	)
	cfg.String("driver", false, true, "", &driver)
	cfg.StringList("dsn", false, true, nil, &dsn)
	return func() (*DB, error) {
		db, err := Open(driver, strings.Join(dsn, " "))
		if err != nil {
			return nil, config.NodeErr(cfg.Block, "%v", err)
		}
		return db, nil
	}
}

// Rebind converts ? placeholders into the form the driver expects.
func (db *DB) Rebind(query string) string {
	if db.Driver != "postgres" {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Rebind(query), args...)
}

func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Rebind(query), args...)
}

func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

// Tx runs fn in a transaction. The transaction is committed if fn returns
// nil and rolled back otherwise.
func (db *DB) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Tx{Tx: sqlTx, db: db}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type Tx struct {
	*sql.Tx
	db *DB
}

func (tx *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, tx.db.Rebind(query), args...)
}

func (tx *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, tx.db.Rebind(query), args...)
}

func (tx *Tx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return tx.Tx.QueryContext(ctx, tx.db.Rebind(query), args...)
}

// InitSchema executes the CREATE statements. Statements must be idempotent
// (IF NOT EXISTS).
func (db *DB) InitSchema(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqldb: schema: %w", err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// Both sqlite drivers report it in the message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
