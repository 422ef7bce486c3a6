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

// Package tls loads the server certificates for the submission listener.
package tls

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/foxcpp/sendpolicy/framework/hooks"
	"github.com/foxcpp/sendpolicy/framework/log"
)

// FileLoader keeps a certificate loaded from PEM files and re-reads it every
// minute and on reload.
type FileLoader struct {
	certPath string
	keyPath  string
	log      log.Logger

	cert     *tls.Certificate
	certLock sync.RWMutex

	reloadTick *time.Ticker
	stopTick   chan struct{}
}

func NewFileLoader(certPath, keyPath string, logger log.Logger) (*FileLoader, error) {
	f := &FileLoader{
		certPath: certPath,
		keyPath:  keyPath,
		log:      logger,
		stopTick: make(chan struct{}),
	}
	if err := f.load(); err != nil {
		return nil, err
	}

	hooks.AddHook(hooks.EventReload, func() {
		f.log.Println("reloading certificate")
		if err := f.load(); err != nil {
			f.log.Error("reload failed", err)
		}
	})

	f.reloadTick = time.NewTicker(time.Minute)
	go f.reloadTicker()
	return f, nil
}

func (f *FileLoader) reloadTicker() {
	for {
		select {
		case <-f.reloadTick.C:
			f.log.Debugln("reloading certificate")
			if err := f.load(); err != nil {
				f.log.Error("reload failed", err)
			}
		case <-f.stopTick:
			return
		}
	}
}

func (f *FileLoader) load() error {
	cert, err := tls.LoadX509KeyPair(f.certPath, f.keyPath)
	if err != nil {
		return fmt.Errorf("tls: failed to load %s and %s: %w", f.certPath, f.keyPath, err)
	}

	f.certLock.Lock()
	defer f.certLock.Unlock()
	f.cert = &cert
	return nil
}

func (f *FileLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	f.certLock.RLock()
	defer f.certLock.RUnlock()
	return f.cert, nil
}

// Config returns the server configuration that always uses the most
// recently loaded certificate.
func (f *FileLoader) Config() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: f.GetCertificate,
	}
}

func (f *FileLoader) Close() error {
	f.reloadTick.Stop()
	close(f.stopTick)
	return nil
}
