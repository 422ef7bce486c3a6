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

// Package ldap implements the LDAP credential backend of the SQL directory.
//
// The directory keeps the account record (addresses, quota, limits) and
// delegates only the password check to the LDAP server by binding as the
// user.
package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/go-ldap/ldap/v3"
)

const modName = "auth.ldap"

type Auth struct {
	instName string

	urls           []string
	readBind       func(*ldap.Conn) error
	startls        bool
	tlsCfg         tls.Config
	dialer         *net.Dialer
	requestTimeout time.Duration

	dnTemplate string
	// or
	baseDN         string
	filterTemplate string

	conn     *ldap.Conn
	connLock sync.Mutex

	log log.Logger
}

func New(modName, instName string, inlineArgs []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
		urls:     inlineArgs,
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	a.dialer = &net.Dialer{}

	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.Callback("urls", func(m *config.Map, node config.Node) error {
		a.urls = append(a.urls, node.Args...)
		return nil
	})
	cfg.Custom("bind", false, false, func() (interface{}, error) {
		return func(*ldap.Conn) error {
			return nil
		}, nil
	}, readBindDirective, &a.readBind)
	cfg.Bool("starttls", false, false, &a.startls)
	cfg.Bool("tls_skip_verify", false, false, &a.tlsCfg.InsecureSkipVerify)
	cfg.Duration("connect_timeout", false, false, time.Minute, &a.dialer.Timeout)
	cfg.Duration("request_timeout", false, false, time.Minute, &a.requestTimeout)
	cfg.String("dn_template", false, false, "", &a.dnTemplate)
	cfg.String("base_dn", false, false, "", &a.baseDN)
	cfg.String("filter", false, false, "", &a.filterTemplate)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	return a.checkConfig()
}

func (a *Auth) checkConfig() error {
	if len(a.urls) == 0 {
		return fmt.Errorf("%s: no server URLs", modName)
	}
	if a.dnTemplate == "" {
		if a.baseDN == "" {
			return fmt.Errorf("%s: base_dn not set", modName)
		}
		if a.filterTemplate == "" {
			return fmt.Errorf("%s: filter not set", modName)
		}
	} else if a.baseDN != "" || a.filterTemplate != "" {
		return fmt.Errorf("%s: search directives set when dn_template is used", modName)
	}
	return nil
}

func readBindDirective(c *config.Map, n config.Node) (interface{}, error) {
	if len(n.Args) == 0 {
		return nil, config.NodeErr(n, "at least one argument expected")
	}
	switch n.Args[0] {
	case "off":
		return func(*ldap.Conn) error { return nil }, nil
	case "unauth":
		if len(n.Args) == 2 {
			return func(c *ldap.Conn) error {
				return c.UnauthenticatedBind(n.Args[1])
			}, nil
		}
		return func(c *ldap.Conn) error {
			return c.UnauthenticatedBind("")
		}, nil
	case "plain":
		if len(n.Args) != 3 {
			return nil, config.NodeErr(n, "username and password expected for plaintext bind")
		}
		return func(c *ldap.Conn) error {
			return c.Bind(n.Args[1], n.Args[2])
		}, nil
	case "external":
		return (*ldap.Conn).ExternalBind, nil
	}
	return nil, config.NodeErr(n, "unknown bind authentication: %v", n.Args[0])
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) newConn() (*ldap.Conn, error) {
	var (
		conn   *ldap.Conn
		tlsCfg *tls.Config
	)
	for _, u := range a.urls {
		parsedURL, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid server URL: %w", modName, err)
		}
		tlsCfg = a.tlsCfg.Clone()
		tlsCfg.ServerName = parsedURL.Hostname()

		conn, err = ldap.DialURL(u, ldap.DialWithDialer(a.dialer), ldap.DialWithTLSConfig(tlsCfg))
		if err != nil {
			a.log.Error("cannot contact directory server", err, "url", u)
			continue
		}
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("%s: all directory servers are unreachable", modName)
	}

	if a.requestTimeout != 0 {
		conn.SetTimeout(a.requestTimeout)
	}

	if a.startls {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", modName, err)
		}
	}

	if err := a.readBind(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", modName, err)
	}

	return conn, nil
}

// getConn returns the shared connection with connLock held. It must be
// released with returnConn.
func (a *Auth) getConn() (*ldap.Conn, error) {
	a.connLock.Lock()
	if a.conn != nil && a.conn.IsClosing() {
		a.conn.Close()
		a.conn = nil
	}
	if a.conn == nil {
		conn, err := a.newConn()
		if err != nil {
			a.connLock.Unlock()
			return nil, err
		}
		a.conn = conn
	}
	return a.conn, nil
}

// returnConn restores the read bind after a user bind and releases the
// connection.
func (a *Auth) returnConn(conn *ldap.Conn) {
	defer a.connLock.Unlock()
	if err := a.readBind(conn); err != nil {
		a.log.Error("failed to rebind for reading", err)
		conn.Close()
		a.conn = nil
	}
}

// userDN returns the DN to bind as. Empty string means the user does not
// exist.
func (a *Auth) userDN(conn *ldap.Conn, username string) (string, error) {
	if a.dnTemplate != "" {
		return strings.ReplaceAll(a.dnTemplate, "{username}", username), nil
	}

	req := ldap.NewSearchRequest(
		a.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(a.filterTemplate, "{username}", ldap.EscapeFilter(username)),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("%s: search: %w", modName, err)
	}
	if len(res.Entries) > 1 {
		return "", fmt.Errorf("%s: too many entries returned (%d)", modName, len(res.Entries))
	}
	if len(res.Entries) == 0 {
		return "", nil
	}
	return res.Entries[0].DN, nil
}

// CheckPassword binds as the user. It returns false if the user does not
// exist or the password is wrong, and an error only if the server could
// not be queried.
func (a *Auth) CheckPassword(_ context.Context, username, password string) (bool, error) {
	if password == "" {
		// Empty password makes Bind an unauthenticated bind which succeeds
		// on most servers.
		return false, nil
	}

	conn, err := a.getConn()
	if err != nil {
		return false, err
	}
	defer a.returnConn(conn)

	dn, err := a.userDN(conn, username)
	if err != nil {
		return false, err
	}
	if dn == "" {
		return false, nil
	}

	if err := conn.Bind(dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return false, nil
		}
		return false, fmt.Errorf("%s: bind: %w", modName, err)
	}
	return true, nil
}

func (a *Auth) Close() error {
	a.connLock.Lock()
	defer a.connLock.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

func init() {
	module.Register(modName, New)
}
