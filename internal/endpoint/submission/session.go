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

package submission

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/dns"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/future"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/auth/sasllogin"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// rdnsWait limits how long DATA waits for the reverse DNS lookup.
const rdnsWait = 5 * time.Second

var errAuthRequired = &exterrors.SMTPError{
	Code:         530,
	EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
	Message:      "Authentication required",
}

func limitReader(r io.Reader, n int64, err error) *limitedReader {
	return &limitedReader{R: r, N: n, E: err, Enabled: true}
}

// limitedReader is io.LimitedReader that returns a custom error and can be
// disabled once the limited part is read.
type limitedReader struct {
	R       io.Reader
	N       int64
	E       error
	Enabled bool
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if !l.Enabled {
		return l.R.Read(p)
	}
	if l.N <= 0 {
		return 0, l.E
	}
	if int64(len(p)) > l.N {
		p = p[0:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= int64(n)
	return
}

type Session struct {
	endp *Endpoint
	conn *smtp.Conn

	sess       module.Session
	sessionCtx context.Context
	cancelRDNS func()
	rdnsName   *future.Future

	// Mutex is held by every command so Logout sees consistent state.
	msgLock  sync.Mutex
	mailFrom string
	opts     smtp.MailOptions
	env      *module.Envelope

	log log.Logger
}

func (endp *Endpoint) newSession(c *smtp.Conn) *Session {
	s := &Session{
		endp: endp,
		conn: c,
		sess: module.Session{
			ID:         uuid.NewString(),
			Interface:  endp.iface,
			RemoteAddr: c.Conn().RemoteAddr(),
			Hostname:   c.Hostname(),
		},
		sessionCtx: context.Background(),
	}
	s.log = endp.Log.With("sess_id", s.sess.ID)

	if endp.Resolver != nil {
		rdnsCtx, cancelRDNS := context.WithCancel(s.sessionCtx)
		s.rdnsName = future.New()
		s.cancelRDNS = cancelRDNS
		go s.fetchRDNSName(rdnsCtx)
	}
	return s
}

func (s *Session) fetchRDNSName(ctx context.Context) {
	tcpAddr, ok := s.sess.RemoteAddr.(*net.TCPAddr)
	if !ok {
		s.rdnsName.Set("", nil)
		return
	}

	name, err := dns.LookupAddr(ctx, s.endp.Resolver, tcpAddr.IP)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			s.rdnsName.Set("", nil)
			return
		}
		// Cancellation means the session ended before the name was needed.
		if !errors.Is(err, context.Canceled) {
			s.log.Error("rDNS error", err, "src_ip", s.sess.RemoteIP())
		}
		s.rdnsName.Set("", err)
		return
	}
	s.rdnsName.Set(name, nil)
}

// refreshConnState picks up the EHLO name and TLS state, both may change
// after STARTTLS.
func (s *Session) refreshConnState() {
	if name := s.conn.Hostname(); name != "" {
		s.sess.Hostname = name
	}
	if state, ok := s.conn.TLSConnectionState(); ok {
		s.sess.TLS = module.TLSInfoFromState(&state)
	}
}

func (s *Session) AuthMechanisms() []string {
	mechs := []string{sasl.Plain}
	if s.endp.saslLogin {
		mechs = append(mechs, sasllogin.Login)
	}
	if s.endp.trustedProxy(s.sess.RemoteAddr) {
		mechs = append(mechs, sasl.External)
	}
	return mechs
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return &smtp.SMTPError{
					Code:         535,
					EnhancedCode: smtp.EnhancedCode{5, 7, 8},
					Message:      "Authorization identity is not supported",
				}
			}
			return s.authenticate(username, password)
		}), nil
	case sasllogin.Login:
		if s.endp.saslLogin {
			return sasllogin.NewServer(s.authenticate), nil
		}
	case sasl.External:
		if s.endp.trustedProxy(s.sess.RemoteAddr) {
			return sasl.NewExternalServer(s.authenticateProxied), nil
		}
	}
	return nil, smtp.ErrAuthUnknownMechanism
}

func (s *Session) authenticate(username, password string) error {
	return s.login(module.Credentials{
		Username: username,
		Password: password,
		Protocol: "smtp",
	})
}

// authenticateProxied accepts the username asserted by a trusted proxy.
func (s *Session) authenticateProxied(username string) error {
	if username == "" {
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authorization identity is required",
		}
	}
	return s.login(module.Credentials{
		Username: username,
		Proxied:  true,
		Protocol: "smtp",
	})
}

func (s *Session) login(creds module.Credentials) error {
	s.refreshConnState()
	tag, err := s.endp.Pipeline.Auth(s.sessionCtx, creds, &s.sess)
	if err != nil {
		failedLogins.WithLabelValues(s.endp.name).Inc()
		return s.endp.wrapErr("", true, "AUTH", err)
	}

	s.sess.AuthUser = tag
	s.log = s.log.With("username", module.TagLogin(tag))
	return nil
}

func (s *Session) Reset() {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.env != nil {
		s.abort()
	}
	s.cleanSession()
}

func (s *Session) abort() {
	s.log.Msg("aborted", "msg_id", s.env.ID)
	abortedTransactions.WithLabelValues(s.endp.name).Inc()
}

func (s *Session) cleanSession() {
	s.mailFrom = ""
	s.opts = smtp.MailOptions{}
	s.env = nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.sess.AuthUser == "" {
		return s.endp.wrapErr("", true, "MAIL", errAuthRequired)
	}

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.env != nil {
		s.abort()
	}
	s.cleanSession()

	if opts != nil {
		s.opts = *opts
	}

	// INTERNATIONALIZATION: Do not permit non-ASCII addresses unless SMTPUTF8 is
	// used.
	if !s.opts.UTF8 && !address.IsASCII(from) {
		return s.endp.wrapErr("", true, "MAIL", &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII senders",
		})
	}

	cleanFrom, err := cleanDomain(from)
	if err != nil {
		return s.endp.wrapErr("", !s.opts.UTF8, "MAIL", &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
			Err:          err,
		})
	}
	s.mailFrom = cleanFrom
	return nil
}

// cleanDomain validates the address and normalizes its domain part. The
// local-part is kept as is.
func cleanDomain(addr string) (string, error) {
	if addr == "" {
		return "", nil
	}
	if err := address.Check(addr); err != nil {
		return "", err
	}
	mbox, domain, err := address.Split(addr)
	if err != nil {
		return "", err
	}
	if domain == "" || strings.HasPrefix(domain, "[") {
		return addr, nil
	}
	domain, err = dns.ForLookup(domain)
	if err != nil {
		return "", err
	}
	return mbox + "@" + domain, nil
}

func (s *Session) transport() module.Transport {
	proto := "ESMTPA"
	if s.sess.TLS != nil {
		proto = "ESMTPSA"
	}
	return module.Transport{
		Proto:      proto,
		Host:       s.sess.Hostname,
		RemoteAddr: s.sess.RemoteAddr,
		Time:       time.Now(),
		TLS:        s.sess.TLS,
	}
}

func (s *Session) startEnvelope() {
	s.refreshConnState()
	s.env = &module.Envelope{
		ID:        ulid.Make().String(),
		Interface: s.endp.iface,
		From:      s.mailFrom,
		User:      s.sess.AuthUser,
		Transport: s.transport(),
	}
	startedTransactions.WithLabelValues(s.endp.name).Inc()
	s.log.Msg("incoming message",
		"src_host", s.sess.Hostname,
		"src_ip", s.sess.RemoteIP(),
		"sender", s.mailFrom,
		"msg_id", s.env.ID,
	)
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.sess.AuthUser == "" {
		return s.endp.wrapErr("", true, "RCPT", errAuthRequired)
	}

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.env == nil {
		s.startEnvelope()
	}

	if err := s.rcpt(to); err != nil {
		s.log.Error("RCPT error", err, "rcpt", to, "msg_id", s.env.ID)
		return s.endp.wrapErr(s.env.ID, !s.opts.UTF8, "RCPT", err)
	}
	s.log.DebugMsg("RCPT ok", "rcpt", to, "msg_id", s.env.ID)
	return nil
}

func (s *Session) rcpt(to string) error {
	// INTERNATIONALIZATION: Do not permit non-ASCII addresses unless SMTPUTF8 is
	// used.
	if !address.IsASCII(to) && !s.opts.UTF8 {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII recipients",
		}
	}
	cleanTo, err := cleanDomain(to)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Invalid recipient address",
			Err:          err,
		}
	}

	if err := s.endp.Pipeline.Rcpt(s.sessionCtx, s.env, cleanTo); err != nil {
		return err
	}
	s.env.To = append(s.env.To, cleanTo)
	return nil
}

func (s *Session) Logout() error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.env != nil {
		s.abort()
		s.cleanSession()
	}
	if s.cancelRDNS != nil {
		s.cancelRDNS()
	}
	return nil
}

func (s *Session) readHeader(r io.Reader) (textproto.Header, *bufio.Reader, error) {
	limitr := limitReader(r, s.endp.maxHeaderBytes, &exterrors.SMTPError{
		Code:         552,
		EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
		Message:      "Message header size exceeds limit",
	})

	bufr := bufio.NewReader(limitr)
	header, err := textproto.ReadHeader(bufr)
	if err != nil {
		if _, ok := exterrors.AsSMTPError(err); ok {
			return textproto.Header{}, nil, err
		}
		return textproto.Header{}, nil, fmt.Errorf("I/O error while parsing header: %w", err)
	}

	// The message size is checked by go-smtp.
	limitr.Enabled = false
	return header, bufr, nil
}

// storeBody writes the body into the blob store under the queue id.
func (s *Session) storeBody(ctx context.Context, body io.Reader) (int64, error) {
	blob, err := s.endp.Pipeline.Blobs.Create(ctx, s.env.ID, -1)
	if err != nil {
		return 0, exterrors.WithTemporary(err, true)
	}
	n, err := io.Copy(blob, body)
	if err != nil {
		blob.Close()
		return 0, err
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return 0, exterrors.WithTemporary(err, true)
	}
	return n, blob.Close()
}

func (s *Session) originHost() string {
	if s.rdnsName == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(s.sessionCtx, rdnsWait)
	defer cancel()
	name, err := s.rdnsName.GetContext(ctx)
	if err != nil || name == nil {
		return ""
	}
	return name.(string)
}

func (s *Session) Data(r io.Reader) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	env := s.env
	wrapErr := func(err error) error {
		s.log.Error("DATA error", err, "msg_id", env.ID)
		return s.endp.wrapErr(env.ID, !s.opts.UTF8, "DATA", err)
	}
	// go-smtp calls Reset after DATA, the envelope is done either way.
	defer s.cleanSession()

	header, bufr, err := s.readHeader(r)
	if err != nil {
		return wrapErr(err)
	}
	if err := s.submissionPrepare(&header); err != nil {
		return wrapErr(err)
	}
	if err := s.checkRoutingLoops(header); err != nil {
		return wrapErr(err)
	}

	ctx := s.sessionCtx
	size, err := s.storeBody(ctx, bufr)
	if err != nil {
		return wrapErr(err)
	}
	dropBlob := func() {
		if err := s.endp.Pipeline.Blobs.Delete(context.Background(), []string{env.ID}); err != nil {
			s.log.Error("failed to remove the body blob", err, "msg_id", env.ID)
		}
	}

	env.Header = &header
	env.BodySize = size
	env.Transport.OriginHost = s.originHost()

	if err := s.endp.Pipeline.Headers(ctx, env); err != nil {
		dropBlob()
		return wrapErr(err)
	}

	body, err := s.endp.Pipeline.Blobs.Open(ctx, env.ID)
	if err != nil {
		dropBlob()
		return wrapErr(exterrors.WithTemporary(err, true))
	}
	err = s.endp.Queue.Enqueue(ctx, env.Clone(), body)
	body.Close()
	if err != nil {
		dropBlob()
		return wrapErr(err)
	}

	archived := s.endp.Pipeline.Queued(ctx, env)
	s.endp.cleanupWg.Add(1)
	go func() {
		defer s.endp.cleanupWg.Done()
		archived.Get() //nolint:errcheck
		dropBlob()
	}()

	completedTransactions.WithLabelValues(s.endp.name).Inc()
	s.log.Msg("accepted", "msg_id", env.ID)
	return nil
}

func (s *Session) checkRoutingLoops(header textproto.Header) error {
	// RFC 5321 Section 6.3:
	// >Simple counting of the number of "Received:" header fields in a
	// >message has proven to be an effective, although rarely optimal,
	// >method of detecting loops in mail systems.
	receivedCount := 0
	for f := header.FieldsByKey("Received"); f.Next(); {
		receivedCount++
	}
	if receivedCount > s.endp.maxReceived {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 6},
			Message:      fmt.Sprintf("Too many Received header fields (%d), possible forwarding loop", receivedCount),
		}
	}
	return nil
}

func (endp *Endpoint) wrapErr(msgID string, mangleUTF8 bool, command string, err error) error {
	if err == nil {
		return nil
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		// Error text of unannotated errors may disclose server internals.
		Message: "Internal server error",
	}

	switch smtpErr, ok := exterrors.AsSMTPError(err); {
	case ok:
		res.Code = smtpErr.Code
		res.EnhancedCode = smtp.EnhancedCode(smtpErr.Enhanced())
		res.Message = smtpErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 4, 5}
		res.Message = "High load, try again later"
	case exterrors.IsTemporaryOrUnspec(err):
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 7, 0}
		res.Message = "Temporary failure, try again later"
	}

	if msgID != "" {
		res.Message += " (msg ID = " + msgID + ")"
	}

	failedCmds.WithLabelValues(endp.name, command, strconv.Itoa(res.Code),
		fmt.Sprintf("%d.%d.%d",
			res.EnhancedCode[0],
			res.EnhancedCode[1],
			res.EnhancedCode[2])).Inc()

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.4.1.
	if mangleUTF8 {
		b := strings.Builder{}
		b.Grow(len(res.Message))
		for _, ch := range res.Message {
			if ch > 128 {
				b.WriteRune('?')
			} else {
				b.WriteRune(ch)
			}
		}
		res.Message = b.String()
	}
	return res
}
