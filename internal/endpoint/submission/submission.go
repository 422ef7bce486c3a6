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

// Package submission implements the SMTP submission listener that drives the
// pipeline hooks.
//
// Clients must authenticate with AUTH PLAIN before MAIL. The envelope is
// created at the first RCPT and handed to the queue after DATA.
package submission

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/dns"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/pipeline"
	"github.com/foxcpp/sendpolicy/internal/target/relay"
	tls2 "github.com/foxcpp/sendpolicy/internal/tls"
	"golang.org/x/net/idna"
)

type Endpoint struct {
	name  string
	addrs []string
	iface string

	Pipeline *pipeline.Pipeline
	// Queue receives accepted messages. Set by the smarthost directive if
	// not set before Init.
	Queue    module.Queue
	Resolver dns.Resolver

	hostname       string
	serv           *smtp.Server
	listeners      []net.Listener
	tlsLoader      *tls2.FileLoader
	maxHeaderBytes int64
	maxReceived    int
	saslLogin      bool
	// Clients from these networks may assert an already authenticated
	// username with SASL EXTERNAL.
	trustedProxies []net.IPNet

	listenersWg sync.WaitGroup
	// Tracks blob cleanup after archiving.
	cleanupWg sync.WaitGroup

	Log log.Logger
}

func New(name string, addrs []string, p *pipeline.Pipeline, logger log.Logger) *Endpoint {
	return &Endpoint{
		name:     name,
		addrs:    addrs,
		iface:    name,
		Pipeline: p,
		Log:      logger,
	}
}

func (endp *Endpoint) Name() string {
	return endp.name
}

// Interface returns the interface name given to envelopes from this
// listener.
func (endp *Endpoint) Interface() string {
	return endp.iface
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	endp.serv = smtp.NewServer(endp)
	endp.serv.ErrorLog = endp.Log
	endp.serv.EnableSMTPUTF8 = true
	if err := endp.setConfig(cfg); err != nil {
		return err
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", endp.name, addr)
		}
		addresses = append(addresses, saddr)
	}
	if len(addresses) == 0 {
		return fmt.Errorf("%s: at least one listen address is required", endp.name)
	}

	allLocal := true
	for _, addr := range addresses {
		if addr.Scheme != "unix" && !strings.HasPrefix(addr.Host, "127.0.0.") {
			allLocal = false
		}
	}
	if endp.serv.AllowInsecureAuth && !allLocal {
		endp.Log.Println("authentication over unencrypted connections is allowed, this is insecure configuration and should be used only for testing!")
	}
	if endp.serv.TLSConfig == nil {
		if !allLocal {
			endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
		}
		endp.serv.AllowInsecureAuth = true
	}

	if err := endp.setupListeners(addresses); err != nil {
		for _, l := range endp.listeners {
			l.Close()
		}
		return err
	}
	return nil
}

func (endp *Endpoint) setConfig(cfg *config.Map) error {
	var (
		err       error
		ioDebug   bool
		listen    []string
		certPath  string
		keyPath   string
		dnsServer string
		queue     module.Queue
		proxies   []string
	)

	cfg.String("hostname", true, true, "", &endp.hostname)
	cfg.String("interface", false, false, endp.name, &endp.iface)
	cfg.StringList("listen", false, false, nil, &listen)
	cfg.String("tls_cert", false, false, "", &certPath)
	cfg.String("tls_key", false, false, "", &keyPath)
	cfg.Bool("insecure_auth", false, false, &endp.serv.AllowInsecureAuth)
	cfg.Bool("sasl_login", false, false, &endp.saslLogin)
	cfg.StringList("trusted_proxies", false, false, nil, &proxies)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.serv.WriteTimeout)
	cfg.Duration("read_timeout", false, false, 10*time.Minute, &endp.serv.ReadTimeout)
	cfg.DataSize("max_message_size", false, false, 32*1024*1024, &endp.serv.MaxMessageBytes)
	cfg.DataSize("max_header_size", false, false, 1*1024*1024, &endp.maxHeaderBytes)
	cfg.Int("max_recipients", false, false, 1000, &endp.serv.MaxRecipients)
	cfg.Int("max_received", false, false, 50, &endp.maxReceived)
	cfg.String("dns_server", true, false, "system-default", &dnsServer)
	cfg.Bool("io_debug", false, false, &ioDebug)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	cfg.Custom("smarthost", false, false, nil, func(m *config.Map, node config.Node) (interface{}, error) {
		l := endp.Log
		l.Name = "relay"
		return relay.FromNode(endp.Pipeline, m.Globals, node, l)
	}, &queue)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	endp.addrs = append(endp.addrs, listen...)

	for _, trust := range proxies {
		if !strings.Contains(trust, "/") {
			if strings.Contains(trust, ":") {
				trust += "/128"
			} else {
				trust += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(trust)
		if err != nil {
			return fmt.Errorf("%s: trusted_proxies: %w", endp.name, err)
		}
		endp.trustedProxies = append(endp.trustedProxies, *ipNet)
	}

	if queue != nil {
		endp.Queue = queue
	}
	if endp.Queue == nil {
		return fmt.Errorf("%s: smarthost is required", endp.name)
	}
	if endp.Pipeline == nil {
		return fmt.Errorf("%s: pipeline is not configured", endp.name)
	}

	if (certPath == "") != (keyPath == "") {
		return fmt.Errorf("%s: tls_cert and tls_key should be set together", endp.name)
	}
	if certPath != "" {
		l := endp.Log
		l.Name = endp.name + "/tls"
		endp.tlsLoader, err = tls2.NewFileLoader(certPath, keyPath, l)
		if err != nil {
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.serv.TLSConfig = endp.tlsLoader.Config()
	}

	if endp.Resolver == nil {
		endp.Resolver = dns.DefaultResolver(dnsServer)
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	endp.serv.Domain, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.name, err)
	}

	if ioDebug {
		endp.serv.Debug = endp.Log.DebugWriter()
		endp.Log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}
	return nil
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		l, err := net.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.Log.Printf("listening on %v", addr)

		if addr.IsTLS() {
			if endp.serv.TLSConfig == nil {
				l.Close()
				return fmt.Errorf("%s: can't bind on SMTPS endpoint without TLS configuration", endp.name)
			}
			l = tls.NewListener(l, endp.serv.TLSConfig)
		}

		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		addr := addr
		go func() {
			defer endp.listenersWg.Done()
			if err := endp.serv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
				endp.Log.Printf("failed to serve %s: %s", addr, err)
			}
		}()
	}
	return nil
}

// Addrs returns the addresses the endpoint listens on.
func (endp *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(endp.listeners))
	for _, l := range endp.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (endp *Endpoint) trustedProxy(addr net.Addr) bool {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		for _, trusted := range endp.trustedProxies {
			if trusted.Contains(addr.IP) {
				return true
			}
		}
	case *net.UnixAddr:
		return len(endp.trustedProxies) != 0
	}
	return false
}

func (endp *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return endp.newSession(c), nil
}

// Close stops the listeners and waits for running transactions and blob
// cleanup.
func (endp *Endpoint) Close() error {
	endp.serv.Close()
	endp.listenersWg.Wait()
	endp.cleanupWg.Wait()
	if endp.tlsLoader != nil {
		endp.tlsLoader.Close()
	}
	return nil
}
