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

package msgcrypt

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/crypto/openpgp"       //nolint:staticcheck
	"golang.org/x/crypto/openpgp/armor" //nolint:staticcheck
)

func testKey(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()

	e, err := openpgp.NewEntity("John Doe", "", "jdoe@example.org", nil)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Serialize(w); err != nil {
		t.Fatal(err)
	}
	w.Close()
	return e, buf.String()
}

const testMsg = "From: <jdoe@example.org>\r\n" +
	"Subject: secret\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"The password is hunter2.\r\n"

func TestEncrypt(t *testing.T) {
	entity, pubKey := testKey(t)

	enc, err := Encrypter{}.Encrypt(pubKey, []byte(testMsg))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(enc, []byte("hunter2")) {
		t.Fatal("Plaintext leaked")
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(enc)))
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Get("Subject") != "secret" {
		t.Error("Outer header lost")
	}
	if !strings.HasPrefix(hdr.Get("Content-Type"), "multipart/encrypted;") {
		t.Fatal("Wrong Content-Type:", hdr.Get("Content-Type"))
	}

	start := bytes.Index(enc, []byte("-----BEGIN PGP MESSAGE-----"))
	end := bytes.Index(enc, []byte("-----END PGP MESSAGE-----"))
	if start == -1 || end == -1 {
		t.Fatal("No armored data in the output")
	}
	block, err := armor.Decode(bytes.NewReader(enc[start : end+len("-----END PGP MESSAGE-----")]))
	if err != nil {
		t.Fatal(err)
	}
	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{entity}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(plain, []byte("Content-Type: text/plain; charset=utf-8\r\n")) ||
		!bytes.HasSuffix(plain, []byte("The password is hunter2.\r\n")) {
		t.Fatalf("Wrong plaintext: %q", plain)
	}
}

func TestEncrypt_AlreadyEncrypted(t *testing.T) {
	_, pubKey := testKey(t)

	msg := "Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=x\r\n\r\n--x--\r\n"
	enc, err := Encrypter{}.Encrypt(pubKey, []byte(msg))
	if err != nil || enc != nil {
		t.Fatal("Encrypted message was touched:", err)
	}
}

func TestEncrypt_BadKey(t *testing.T) {
	if _, err := (Encrypter{}).Encrypt("not a key", []byte(testMsg)); err == nil {
		t.Fatal("Expected error for a malformed key")
	}
}
