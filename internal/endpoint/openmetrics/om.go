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

// Package openmetrics serves the Prometheus registry over HTTP.
package openmetrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type Endpoint struct {
	addrs     []string
	listeners []net.Listener
	serv      http.Server

	// Gatherer is the registry exposed on /metrics, the default registry
	// if nil.
	Gatherer prometheus.Gatherer

	Log log.Logger
}

func New(addrs []string, logger log.Logger) *Endpoint {
	return &Endpoint{
		addrs: addrs,
		Log:   logger,
	}
}

func (e *Endpoint) Init(cfg *config.Map) error {
	var (
		listen []string
		path   string
	)
	cfg.StringList("listen", false, false, nil, &listen)
	cfg.String("path", false, false, "/metrics", &path)
	cfg.Bool("debug", true, false, &e.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	e.addrs = append(e.addrs, listen...)
	if len(e.addrs) == 0 {
		return errors.New("metrics: at least one listen address is required")
	}

	gatherer := e.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: e.Log,
	}))
	e.serv.Handler = mux
	e.serv.ReadHeaderTimeout = 10 * time.Second

	for _, a := range e.addrs {
		endp, err := config.ParseEndpoint(a)
		if err != nil {
			e.closeListeners()
			return fmt.Errorf("metrics: malformed endpoint: %v", err)
		}
		if endp.IsTLS() {
			e.closeListeners()
			return errors.New("metrics: TLS is not supported")
		}
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			e.closeListeners()
			return fmt.Errorf("metrics: %v", err)
		}
		e.Log.Println("listening on", endp.String())
		e.listeners = append(e.listeners, l)
	}
	return nil
}

func (e *Endpoint) closeListeners() {
	for _, l := range e.listeners {
		l.Close()
	}
	e.listeners = nil
}

// Addrs returns the bound listener addresses.
func (e *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(e.listeners))
	for _, l := range e.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Serve blocks until Close is called or a listener fails.
func (e *Endpoint) Serve() error {
	var eg errgroup.Group
	for _, l := range e.listeners {
		l := l
		eg.Go(func() error {
			err := e.serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.Log.Error("serve failed", err, "endpoint", l.Addr().String())
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// Close stops the server, waiting for running requests for up to 5 seconds.
func (e *Endpoint) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.serv.Shutdown(ctx)
}
