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

package dkim

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// KeyAlgos lists the algorithms GenerateKey accepts.
var KeyAlgos = []string{"rsa2048", "rsa4096", "ed25519"}

// ParseKey decodes a PEM-encoded private key. PKCS #8, PKCS #1 RSA and
// RFC 5915 blocks are accepted. Only RSA and Ed25519 keys can be used for
// DKIM.
func ParseKey(pemBlob []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, fmt.Errorf("dkim: invalid PEM block")
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "PRIVATE KEY": // RFC 5208 aka PKCS #8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // RFC 3447 aka PKCS #1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY": // RFC 5915
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("dkim: not a private key or unsupported format: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: %w", err)
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("dkim: %w", err)
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return nil, fmt.Errorf("dkim: ECDSA keys are not supported")
	default:
		return nil, fmt.Errorf("dkim: unknown key type: %T", key)
	}
}

func LoadKeyFile(path string) (crypto.Signer, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ParseKey(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

func GenerateKey(algo string) (crypto.Signer, error) {
	switch algo {
	case "rsa4096":
		return rsa.GenerateKey(rand.Reader, 4096)
	case "rsa2048":
		return rsa.GenerateKey(rand.Reader, 2048)
	case "ed25519":
		_, pkey, err := ed25519.GenerateKey(rand.Reader)
		return pkey, err
	default:
		return nil, fmt.Errorf("dkim: unknown key algorithm: %s", algo)
	}
}

// MarshalKey encodes the key as a PKCS #8 PEM block.
func MarshalKey(key crypto.Signer) ([]byte, error) {
	blob, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: blob}), nil
}

// DNSRecord returns the TXT record value publishing the public part of key.
func DNSRecord(key crypto.Signer) (string, error) {
	var (
		algo    string
		keyBlob []byte
	)
	switch pub := key.Public().(type) {
	case *rsa.PublicKey:
		algo = "rsa"
		keyBlob = x509.MarshalPKCS1PublicKey(pub)
	case ed25519.PublicKey:
		algo = "ed25519"
		keyBlob = pub
	default:
		return "", fmt.Errorf("dkim: unsupported public key: %T", pub)
	}
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", algo, base64.StdEncoding.EncodeToString(keyBlob)), nil
}

// RecordName returns the DNS name the TXT record is published under.
func RecordName(selector, domain string) string {
	return selector + "._domainkey." + domain
}

// WriteKeyFile saves the key to path with 0600 permissions and the TXT
// record next to it, replacing the .key extension with .dns. The record
// file path is returned.
func WriteKeyFile(path string, key crypto.Signer) (string, error) {
	wrapErr := func(err error) error {
		return fmt.Errorf("dkim: write %s: %w", path, err)
	}

	keyPEM, err := MarshalKey(key)
	if err != nil {
		return "", wrapErr(err)
	}
	record, err := DNSRecord(key)
	if err != nil {
		return "", wrapErr(err)
	}

	// 0777 because public keys are stored here too. Private key files have
	// 0600 perms.
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return "", wrapErr(err)
	}

	dnsPath := path + ".dns"
	if filepath.Ext(path) == ".key" {
		dnsPath = path[:len(path)-4] + ".dns"
	}
	if err := os.WriteFile(dnsPath, []byte(record), 0o644); err != nil {
		return "", wrapErr(err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", wrapErr(err)
	}
	defer f.Close()
	if _, err := f.Write(keyPEM); err != nil {
		return "", wrapErr(err)
	}
	return dnsPath, nil
}
