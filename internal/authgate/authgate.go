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

// Package authgate verifies submission credentials against the directory.
package authgate

import (
	"context"

	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

const (
	MethodPlain   = "plain"
	MethodXCLIENT = "xclient"
)

var (
	ErrAuthFailed = &exterrors.SMTPError{
		Code:         535,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
		CheckName:    "auth",
	}
	Err2FARequired = &exterrors.SMTPError{
		Code:         535,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed, use an application-specific password",
		CheckName:    "auth",
	}
)

type Gate struct {
	Dir    module.Directory
	Events module.EventSink
	Log    log.Logger
}

func New(dir module.Directory, events module.EventSink, logger log.Logger) *Gate {
	return &Gate{Dir: dir, Events: events, Log: logger}
}

// Auth checks the credentials and returns the identity tag
// (canonicalUsername[claimedUsername]) on success.
//
// Every call emits exactly one event. The directory is queried once.
func (g *Gate) Auth(ctx context.Context, creds module.Credentials, sess *module.Session) (string, error) {
	if creds.Proxied {
		return g.authProxied(ctx, creds, sess)
	}
	return g.authPlain(ctx, creds, sess)
}

func (g *Gate) authProxied(ctx context.Context, creds module.Credentials, sess *module.Session) (string, error) {
	u, err := g.Dir.FindByUsername(ctx, creds.Username)
	if err != nil {
		g.fail(creds, sess, MethodXCLIENT, false, err)
		return "", tempAuthErr(err)
	}
	if u == nil {
		g.fail(creds, sess, MethodXCLIENT, false, nil)
		authAttempts.WithLabelValues(MethodXCLIENT, "fail").Inc()
		return "", ErrAuthFailed
	}

	authAttempts.WithLabelValues(MethodXCLIENT, "ok").Inc()
	g.Events.Emit(module.Event{
		Message: "authentication successful",
		Fields: map[string]interface{}{
			"_username":    creds.Username,
			"_user":        u.Username,
			"_sess":        sess.ID,
			"_ip":          sess.RemoteIP(),
			"_auth_method": MethodXCLIENT,
		},
	})
	return module.IdentityTag(u.Username, creds.Username), nil
}

func (g *Gate) authPlain(ctx context.Context, creds module.Credentials, sess *module.Session) (string, error) {
	res, err := g.Dir.Authenticate(ctx, creds.Username, creds.Password, module.AuthInfo{
		Protocol:  creds.Protocol,
		IP:        sess.RemoteIP(),
		SessionID: sess.ID,
	})
	if err != nil {
		g.fail(creds, sess, MethodPlain, false, err)
		return "", tempAuthErr(err)
	}
	if res == nil {
		g.fail(creds, sess, MethodPlain, false, nil)
		authAttempts.WithLabelValues(MethodPlain, "fail").Inc()
		return "", ErrAuthFailed
	}
	if res.Scope == module.ScopeMaster && res.Require2FA {
		g.fail(creds, sess, MethodPlain, true, nil)
		authAttempts.WithLabelValues(MethodPlain, "2fa").Inc()
		return "", Err2FARequired
	}

	authAttempts.WithLabelValues(MethodPlain, "ok").Inc()
	g.Events.Emit(module.Event{
		Message: "authentication successful",
		Fields: map[string]interface{}{
			"_username":    creds.Username,
			"_user":        res.Username,
			"_scope":       res.Scope,
			"_sess":        sess.ID,
			"_ip":          sess.RemoteIP(),
			"_auth_method": MethodPlain,
		},
	})
	return module.IdentityTag(res.Username, creds.Username), nil
}

func (g *Gate) fail(creds module.Credentials, sess *module.Session, method string, require2FA bool, err error) {
	fields := map[string]interface{}{
		"_username":    creds.Username,
		"_sess":        sess.ID,
		"_ip":          sess.RemoteIP(),
		"_require_2fa": require2FA,
		"_auth_method": method,
	}
	if err != nil {
		g.Log.Error("directory lookup failed", err, "username", creds.Username, "sess", sess.ID)
		authAttempts.WithLabelValues(method, "error").Inc()
		fields["_reason"] = err.Error()
	}
	g.Events.Emit(module.Event{
		Message: "authentication failed",
		Fields:  fields,
	})
}

func tempAuthErr(err error) error {
	return &exterrors.SMTPError{
		Code:         454,
		EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
		Message:      "Temporary authentication failure",
		CheckName:    "auth",
		Err:          err,
	}
}
