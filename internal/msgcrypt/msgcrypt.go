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

// Package msgcrypt encrypts stored messages to the OpenPGP key of the
// mailbox owner using PGP/MIME (RFC 3156).
package msgcrypt

import (
	"bufio"
	"bytes"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/crypto/openpgp"       //nolint:staticcheck
	"golang.org/x/crypto/openpgp/armor" //nolint:staticcheck

	// openpgp only uses hashes that are linked in. Keys without hash
	// preferences get RIPEMD-160.
	_ "golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

var ErrNoKeys = errors.New("msgcrypt: no encryption keys")

type Encrypter struct{}

// Encrypt returns the PGP/MIME form of raw encrypted for pubKey (an armored
// public key or key ring).
//
// Messages that are already multipart/encrypted are not touched:
// Encrypt returns (nil, nil) for them.
func (Encrypter) Encrypt(pubKey string, raw []byte) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("msgcrypt: %w", err)
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(hdr.Get("Content-Type"))), "multipart/encrypted") {
		return nil, nil
	}

	keys, err := openpgp.ReadArmoredKeyRing(strings.NewReader(pubKey))
	if err != nil {
		return nil, fmt.Errorf("msgcrypt: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	// The encrypted part carries the body together with its Content-*
	// fields. The rest of the header stays outside.
	var inner textproto.Header
	outer := hdr.Copy()
	fields := outer.Fields()
	for fields.Next() {
		if strings.HasPrefix(strings.ToLower(fields.Key()), "content-") {
			inner.Add(fields.Key(), fields.Value())
			fields.Del()
		}
	}
	if !inner.Has("Content-Type") {
		inner.Set("Content-Type", "text/plain; charset=us-ascii")
	}

	var plaintext bytes.Buffer
	if err := textproto.WriteHeader(&plaintext, inner); err != nil {
		return nil, err
	}
	if _, err := io.Copy(&plaintext, br); err != nil {
		return nil, err
	}

	var ciphertext bytes.Buffer
	armored, err := armor.Encode(&ciphertext, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}
	encW, err := openpgp.Encrypt(armored, keys, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("msgcrypt: %w", err)
	}
	if _, err := encW.Write(plaintext.Bytes()); err != nil {
		return nil, err
	}
	if err := encW.Close(); err != nil {
		return nil, err
	}
	if err := armored.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	mw := textproto.NewMultipartWriter(&out)
	outer.Set("MIME-Version", "1.0")
	outer.Set("Content-Type", `multipart/encrypted; protocol="application/pgp-encrypted"; boundary="`+mw.Boundary()+`"`)

	var res bytes.Buffer
	if err := textproto.WriteHeader(&res, outer); err != nil {
		return nil, err
	}

	var ctlHdr textproto.Header
	ctlHdr.Set("Content-Type", "application/pgp-encrypted")
	ctlHdr.Set("Content-Description", "PGP/MIME version identification")
	w, err := mw.CreatePart(ctlHdr)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, "Version: 1\r\n"); err != nil {
		return nil, err
	}

	var dataHdr textproto.Header
	dataHdr.Set("Content-Type", `application/octet-stream; name="encrypted.asc"`)
	dataHdr.Set("Content-Description", "OpenPGP encrypted message")
	dataHdr.Set("Content-Disposition", `inline; filename="encrypted.asc"`)
	w, err = mw.CreatePart(dataHdr)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(ciphertext.Bytes()); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	res.Write(out.Bytes())
	return res.Bytes(), nil
}
