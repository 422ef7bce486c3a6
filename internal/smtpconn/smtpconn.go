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

// Package smtpconn wraps the go-smtp client for the relay.
//
// Compared to the bare client it adds:
//   - connect timeouts and context-aware dialing
//   - STARTTLS modes (off, opportunistic, required)
//   - wrapping of returned errors into exterrors.SMTPError
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/log"
)

type TLSMode string

const (
	TLSOff      TLSMode = "off"
	TLSAttempt  TLSMode = "attempt"
	TLSRequired TLSMode = "required"
)

// C is one SMTP session with the remote server. It cannot be reused after
// Close.
type C struct {
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA, STARTTLS).
	CommandTimeout time.Duration
	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration
	// Timeout for the final dot.
	SubmissionTimeout time.Duration

	// Hostname to send in EHLO, in A-label form.
	Hostname string

	TLSConfig *tls.Config
	Log       log.Logger

	serverName string
	cl         *smtp.Client
	rcpts      []string
}

func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
	}
}

func (c *C) wrapClientErr(err error) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	var opErr *net.OpError
	switch {
	case errors.As(err, new(TLSError)):
		return err
	case errors.As(err, new(*exterrors.SMTPError)):
		return err
	case errors.As(err, &smtpErr):
		code := smtpErr.Code
		enhCode := exterrors.EnhancedCode(smtpErr.EnhancedCode)
		// RFC 5321 Section 4.5.3.1.10: "too many recipients" is a temporary
		// condition even if reported with 552.
		if code == 552 {
			code = 452
			enhCode[0] = 4
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enhCode,
			Message:      c.serverName + " said: " + smtpErr.Message,
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
			},
			Err: err,
		}
	case errors.As(err, &opErr):
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
				"io_op":         opErr.Op,
			},
		}
	default:
		return exterrors.WithTemporary(exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
		}), true)
	}
}

// TLSError is returned by Connect when STARTTLS fails or is required but
// not offered.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

func (err TLSError) Temporary() bool {
	return true
}

// Connect establishes the connection, sends EHLO and negotiates TLS. It
// reports whether the session is encrypted.
//
// In TLSAttempt mode a failed STARTTLS negotiation is followed by a new
// plaintext connection.
func (c *C) Connect(ctx context.Context, endp config.Endpoint, mode TLSMode) (bool, error) {
	c.serverName = endp.Host

	if endp.IsTLS() || mode == TLSOff {
		if err := c.connectPlain(ctx, endp); err != nil {
			return false, err
		}
		return endp.IsTLS(), nil
	}

	conn, err := c.dial(ctx, endp)
	if err != nil {
		return false, c.wrapClientErr(err)
	}
	cl, err := smtp.NewClientStartTLS(conn, c.tlsConfig(endp))
	if err == nil {
		c.setTimeouts(cl)
		// Handshake errors surface on the first command after STARTTLS.
		if err = cl.Hello(c.Hostname); err == nil {
			c.cl = cl
			return true, nil
		}
		cl.Close()
	}

	if mode == TLSRequired {
		return false, TLSError{Err: err}
	}
	c.Log.Error("STARTTLS failed, falling back to plaintext", err, "remote_server", c.serverName)
	if err := c.connectPlain(ctx, endp); err != nil {
		return false, err
	}
	return false, nil
}

func (c *C) dial(ctx context.Context, endp config.Endpoint) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	return c.Dialer(dialCtx, endp.Network(), endp.Address())
}

func (c *C) tlsConfig(endp config.Endpoint) *tls.Config {
	cfg := c.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = endp.Host
	}
	return cfg
}

func (c *C) setTimeouts(cl *smtp.Client) {
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout
}

// connectPlain opens a session without STARTTLS. Implicit TLS endpoints
// are wrapped before the greeting.
func (c *C) connectPlain(ctx context.Context, endp config.Endpoint) error {
	conn, err := c.dial(ctx, endp)
	if err != nil {
		return c.wrapClientErr(err)
	}
	if endp.IsTLS() {
		conn = tls.Client(conn, c.tlsConfig(endp))
	}

	cl := smtp.NewClient(conn)
	c.setTimeouts(cl)
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return c.wrapClientErr(err)
	}
	c.cl = cl
	return nil
}

// Auth authenticates using PLAIN. The server must advertise AUTH.
func (c *C) Auth(username, password string) error {
	if ok, _ := c.cl.Extension("AUTH"); !ok {
		return &exterrors.SMTPError{
			Code:         530,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Authentication is not supported by " + c.serverName,
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
			},
		}
	}
	return c.wrapClientErr(c.cl.Auth(sasl.NewPlainClient("", username, password)))
}

// Mail sends MAIL FROM. SMTPUTF8 is requested if the server supports it and
// the sender is not ASCII.
func (c *C) Mail(from string, size int64) error {
	opts := smtp.MailOptions{Size: size}
	if !address.IsASCII(from) {
		if ok, _ := c.cl.Extension("SMTPUTF8"); !ok {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot send non-ASCII sender",
				Misc: map[string]interface{}{
					"remote_server": c.serverName,
				},
			}
		}
		opts.UTF8 = true
	}
	return c.wrapClientErr(c.cl.Mail(from, &opts))
}

// Rcpt sends RCPT TO and remembers accepted recipients.
func (c *C) Rcpt(to string) error {
	if ok, _ := c.cl.Extension("SMTPUTF8"); !address.IsASCII(to) && !ok {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is unsupported, cannot send to non-ASCII recipient",
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
			},
		}
	}

	if err := c.cl.Rcpt(to, nil); err != nil {
		return c.wrapClientErr(err)
	}
	c.rcpts = append(c.rcpts, to)
	return nil
}

// Rcpts returns the recipients accepted by the remote server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

// Data sends the message. The connection must not be reused if Data fails.
func (c *C) Data(hdr textproto.Header, body io.Reader) error {
	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		wc.Close()
		return c.wrapClientErr(err)
	}
	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return c.wrapClientErr(err)
	}
	return c.wrapClientErr(wc.Close())
}

// Close sends QUIT and closes the connection directly if that fails.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err))
		err = c.cl.Close()
		c.cl = nil
		return err
	}
	c.cl = nil
	return nil
}

// DirectClose closes the connection without QUIT.
func (c *C) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	err := c.cl.Close()
	c.cl = nil
	return err
}
