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

// Package relay implements the outbound queue that hands submitted messages
// to a smarthost.
//
// Delivery is synchronous: Enqueue returns after the smarthost accepted or
// refused the message. Temporary failures are returned as temporary errors
// so the submitting client retries.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/dns"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/logevents"
	"github.com/foxcpp/sendpolicy/internal/pipeline"
	"github.com/foxcpp/sendpolicy/internal/smtpconn"
	"golang.org/x/net/idna"
)

type Relay struct {
	Pipeline *pipeline.Pipeline

	Hostname  string
	Endpoints []config.Endpoint
	TLSMode   smtpconn.TLSMode
	TLSConfig *tls.Config

	AuthUsername string
	AuthPassword string

	// TransportDomain gets its own DKIM key if transport signing is
	// enabled.
	TransportDomain string

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration

	// ForwardInterfaces lists interfaces that submit forwarded mail.
	// Deliveries of their messages get SRS and the forwarding trace
	// fields.
	ForwardInterfaces []string
	// SkipSRSDomains are sender domains that are not rewritten even on
	// forwarded deliveries. ForLookup form.
	SkipSRSDomains []string

	Log log.Logger

	now func() time.Time
}

func New(p *pipeline.Pipeline, endpoints []config.Endpoint, logger log.Logger) *Relay {
	return &Relay{
		Pipeline:  p,
		Hostname:  p.Hostname,
		Endpoints: endpoints,
		TLSMode:   smtpconn.TLSAttempt,
		TLSConfig: &tls.Config{},
		Log:       logger,
		now:       time.Now,
	}
}

// FromNode configures the relay from the smarthost block:
//
//	smarthost tcp://smtp.example.org:587:
//	  starttls: required
//	  auth_username: relay
//	  auth_password: secret
func FromNode(p *pipeline.Pipeline, globals map[string]interface{}, node config.Node, logger log.Logger) (*Relay, error) {
	r := New(p, nil, logger)

	var (
		targets       []string
		starttls      string
		skipVerify    bool
		transportDom  string
		hostname      string
		connTimeout   time.Duration
		cmdTimeout    time.Duration
		submitTimeout time.Duration
		skipSRS       []string
	)
	cfg := config.NewMap(globals, node)
	cfg.Bool("debug", true, false, &r.Log.Debug)
	cfg.String("hostname", true, false, p.Hostname, &hostname)
	cfg.StringList("targets", false, false, nil, &targets)
	cfg.Enum("starttls", false, false,
		[]string{string(smtpconn.TLSOff), string(smtpconn.TLSAttempt), string(smtpconn.TLSRequired)},
		string(smtpconn.TLSAttempt), &starttls)
	cfg.Bool("tls_skip_verify", false, false, &skipVerify)
	cfg.String("auth_username", false, false, "", &r.AuthUsername)
	cfg.String("auth_password", false, false, "", &r.AuthPassword)
	cfg.String("transport_domain", false, false, "", &transportDom)
	cfg.Duration("connect_timeout", false, false, 5*time.Minute, &connTimeout)
	cfg.Duration("command_timeout", false, false, 5*time.Minute, &cmdTimeout)
	cfg.Duration("submission_timeout", false, false, 12*time.Minute, &submitTimeout)
	cfg.StringList("forward_interfaces", false, false, nil, &r.ForwardInterfaces)
	cfg.StringList("skip_srs_domains", false, false, nil, &skipSRS)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	var err error
	r.Hostname, err = idna.ToASCII(hostname)
	if err != nil {
		return nil, config.NodeErr(node, "cannot represent the hostname as an A-label name: %v", err)
	}

	for _, tgt := range append(append([]string(nil), node.Args...), targets...) {
		endp, err := config.ParseEndpoint(tgt)
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		r.Endpoints = append(r.Endpoints, endp)
	}
	if len(r.Endpoints) == 0 {
		return nil, config.NodeErr(node, "at least one target endpoint is required")
	}
	if (r.AuthUsername == "") != (r.AuthPassword == "") {
		return nil, config.NodeErr(node, "auth_username and auth_password should be set together")
	}

	r.TLSMode = smtpconn.TLSMode(starttls)
	r.TLSConfig = &tls.Config{InsecureSkipVerify: skipVerify}
	r.TransportDomain = transportDom
	r.ConnectTimeout = connTimeout
	r.CommandTimeout = cmdTimeout
	r.SubmissionTimeout = submitTimeout
	for _, raw := range skipSRS {
		domain, err := dns.ForLookup(raw)
		if err != nil {
			return nil, config.NodeErr(node, "skip_srs_domains: %v", err)
		}
		r.SkipSRSDomains = append(r.SkipSRSDomains, domain)
	}
	return r, nil
}

func (r *Relay) forwarding(iface string) bool {
	for _, name := range r.ForwardInterfaces {
		if name == iface {
			return true
		}
	}
	return false
}

func (r *Relay) skipSRS(sender string) bool {
	_, domain, err := address.Split(sender)
	if err != nil || domain == "" {
		return false
	}
	domain, err = dns.ForLookup(domain)
	if err != nil {
		return false
	}
	for _, d := range r.SkipSRSDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// entry writes the delivery record to the log and passes it to the event
// normalizer.
func (r *Relay) entry(ctx context.Context, action string, fields map[string]interface{}) {
	logFields := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		logFields = append(logFields, k, v)
	}
	r.Log.Msg(action, logFields...)

	r.Pipeline.LogEntry(ctx, logevents.RawEntry{
		Action: action,
		Time:   r.now(),
		Fields: fields,
	})
}

func (r *Relay) queuedEntry(ctx context.Context, env *module.Envelope, size int) {
	fields := map[string]interface{}{
		"id":        env.ID,
		"from":      env.From,
		"to":        strings.Join(env.To, ","),
		"size":      size,
		"interface": env.Interface,
		"proto":     env.Transport.Proto,
		"user":      env.User,
		"ip":        env.Transport.RemoteIP(),
	}
	if env.Header != nil {
		h := mail.Header{Header: message.Header{Header: *env.Header}}
		if subject, err := h.Subject(); err == nil {
			fields["subject"] = subject
		}
		fields["message_id"] = env.Header.Get("Message-Id")
	}
	r.entry(ctx, logevents.ActionQueued, fields)
}

func (r *Relay) deliveryEntry(ctx context.Context, d *module.Delivery, rcpt, mx string, err error) {
	action := logevents.ActionAccepted
	response := "250 OK"
	if err != nil {
		action = logevents.ActionRejected
		if exterrors.IsTemporaryOrUnspec(err) {
			action = logevents.ActionDeferred
		}
		response = err.Error()
		if smtpErr, ok := exterrors.AsSMTPError(err); ok {
			response = fmt.Sprintf("%d %s %s", smtpErr.Code, smtpErr.Enhanced().FormatLog(), smtpErr.Message)
		}
	}
	r.entry(ctx, action, map[string]interface{}{
		"id":       d.ID,
		"seq":      d.Seq,
		"from":     d.From,
		"to":       rcpt,
		"response": response,
		"mx":       mx,
		"zone":     d.Zone,
	})
}

func (r *Relay) connect(ctx context.Context, d *module.Delivery) (*smtpconn.C, error) {
	var lastErr error
	for _, endp := range r.Endpoints {
		conn := smtpconn.New()
		conn.Log = r.Log
		conn.Hostname = r.Hostname
		conn.TLSConfig = r.TLSConfig
		if r.ConnectTimeout != 0 {
			conn.ConnectTimeout = r.ConnectTimeout
		}
		if r.CommandTimeout != 0 {
			conn.CommandTimeout = r.CommandTimeout
		}
		if r.SubmissionTimeout != 0 {
			conn.SubmissionTimeout = r.SubmissionTimeout
		}

		if _, err := conn.Connect(ctx, endp, r.TLSMode); err != nil {
			if len(r.Endpoints) != 1 {
				r.Log.Error("connect error", err, "msg_id", d.ID, "smarthost", endp.Address())
			}
			lastErr = err
			continue
		}
		r.Log.DebugMsg("connected", "msg_id", d.ID, "smarthost", conn.ServerName())

		if r.AuthUsername != "" {
			if err := conn.Auth(r.AuthUsername, r.AuthPassword); err != nil {
				conn.Close()
				lastErr = err
				continue
			}
		}
		return conn, nil
	}
	return nil, lastErr
}

// Enqueue delivers the message to the first reachable smarthost.
//
// If some recipients are refused but others are accepted, the message is
// sent to the accepted ones and nil is returned. Refused recipients are
// only logged.
func (r *Relay) Enqueue(ctx context.Context, env *module.Envelope, body io.Reader) error {
	bodyBlob, err := io.ReadAll(body)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("relay: read body: %w", err), true)
	}
	r.queuedEntry(ctx, env, len(bodyBlob))

	d := &module.Delivery{
		ID:        env.ID,
		Seq:       "001",
		From:      env.From,
		To:        append([]string(nil), env.To...),
		Interface: env.Interface,
	}
	if r.forwarding(env.Interface) {
		d.Forwarding = true
		d.ForwardedFor = module.TagLogin(env.User)
		d.SkipSRS = r.skipSRS(env.From)
	}
	if env.Header != nil {
		hdr := env.Header.Copy()
		d.Header = &hdr
		h := mail.Header{Header: message.Header{Header: hdr}}
		if addrs, err := h.AddressList("From"); err == nil && len(addrs) != 0 {
			d.HeaderFrom = addrs[0].Address
		}
	}

	remoteHost := ""
	if len(r.Endpoints) != 0 {
		remoteHost = r.Endpoints[0].Host
	}
	if err := r.Pipeline.DeliveryHeaders(ctx, d, module.ConnectionInfo{
		LocalHostname: r.Hostname,
		RemoteHost:    remoteHost,
	}); err != nil {
		return r.failAll(ctx, d, "", err)
	}
	if err := r.Pipeline.DeliveryConnect(ctx, d, module.ConnectOptions{
		TransportDomain: r.TransportDomain,
	}); err != nil {
		return r.failAll(ctx, d, "", err)
	}

	if len(d.DKIMKeys) != 0 && r.Pipeline.Signer != nil {
		err := r.Pipeline.Signer.Sign(d, func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBlob)), nil
		})
		if err != nil {
			// The message still goes out, unsigned.
			r.Log.Error("DKIM signing failed", err, "msg_id", d.ID)
		}
	}

	conn, err := r.connect(ctx, d)
	if err != nil {
		return r.failAll(ctx, d, "", err)
	}
	mx := conn.ServerName()

	if err := conn.Mail(d.From, int64(len(bodyBlob))); err != nil {
		conn.Close()
		return r.failAll(ctx, d, mx, err)
	}

	var firstErr error
	for _, rcpt := range d.To {
		if err := conn.Rcpt(rcpt); err != nil {
			r.deliveryEntry(ctx, d, rcpt, mx, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	accepted := conn.Rcpts()
	if len(accepted) == 0 {
		conn.Close()
		if firstErr == nil {
			firstErr = errors.New("relay: no recipients")
		}
		return firstErr
	}

	var hdr textproto.Header
	if d.Header != nil {
		hdr = *d.Header
	}
	if err := conn.Data(hdr, bytes.NewReader(bodyBlob)); err != nil {
		conn.DirectClose()
		for _, rcpt := range accepted {
			r.deliveryEntry(ctx, d, rcpt, mx, err)
		}
		return err
	}
	conn.Close()

	for _, rcpt := range accepted {
		r.deliveryEntry(ctx, d, rcpt, mx, nil)
	}
	return nil
}

func (r *Relay) failAll(ctx context.Context, d *module.Delivery, mx string, err error) error {
	for _, rcpt := range d.To {
		r.deliveryEntry(ctx, d, rcpt, mx, err)
	}
	return err
}
