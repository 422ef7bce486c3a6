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
	"bytes"
	"io"
	"net"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/sendpolicy/framework/module"
)

func signTestMsg(t *testing.T, s *Signer, keys ...module.DKIMKey) (textproto.Header, []byte) {
	t.Helper()

	hdr := textproto.Header{}
	hdr.Add("From", "<hello@example.org>")
	hdr.Add("Subject", "heya")
	hdr.Add("To", "<heya@example.com>")
	body := []byte("hello there\r\n")

	d := &module.Delivery{ID: "q1", Header: &hdr, DKIMKeys: keys}
	err := s.Sign(d, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return hdr, body
}

func verifyTestMsg(t *testing.T, zones map[string]mockdns.Zone, hdr textproto.Header, body []byte) []*dkim.Verification {
	t.Helper()

	// dkim.Verify does not allow to override its lookup routine, so we have to
	// hijack the global resolver object.
	srv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.PatchNet(net.DefaultResolver)
	defer mockdns.UnpatchNet(net.DefaultResolver)

	var full bytes.Buffer
	if err := textproto.WriteHeader(&full, hdr); err != nil {
		t.Fatal(err)
	}
	full.Write(body)

	v, err := dkim.Verify(bytes.NewReader(full.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSignVerify(t *testing.T) {
	test := func(keyAlgo string, headerCanon, bodyCanon dkim.Canonicalization) {
		t.Helper()

		key, err := GenerateKey(keyAlgo)
		if err != nil {
			t.Fatal(err)
		}
		record, err := DNSRecord(key)
		if err != nil {
			t.Fatal(err)
		}

		s := NewSigner()
		s.HeaderCanon = headerCanon
		s.BodyCanon = bodyCanon
		hdr, body := signTestMsg(t, s, module.DKIMKey{Domain: "example.org", Selector: "default", Signer: key})

		v := verifyTestMsg(t, map[string]mockdns.Zone{
			"default._domainkey.example.org.": {TXT: []string{record}},
		}, hdr, body)
		if len(v) != 1 {
			t.Fatal("Expected exactly one verification, got", len(v))
		}
		if v[0].Err != nil {
			t.Fatal("Verification error:", v[0].Err)
		}
		if v[0].Domain != "example.org" {
			t.Fatal("Wrong signing domain:", v[0].Domain)
		}
	}

	for _, algo := range [2]string{"rsa2048", "ed25519"} {
		for _, hdrCanon := range [2]dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
			for _, bodyCanon := range [2]dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
				test(algo, hdrCanon, bodyCanon)
			}
		}
	}
}

func TestSign_MultipleKeys(t *testing.T) {
	key1, err := GenerateKey("ed25519")
	if err != nil {
		t.Fatal(err)
	}
	key2, err := GenerateKey("ed25519")
	if err != nil {
		t.Fatal(err)
	}
	rec1, _ := DNSRecord(key1)
	rec2, _ := DNSRecord(key2)

	hdr, body := signTestMsg(t, NewSigner(),
		module.DKIMKey{Domain: "example.org", Selector: "s1", Signer: key1},
		module.DKIMKey{Domain: "relay.net", Selector: "s2", Signer: key2},
	)

	var domains []string
	for f := hdr.FieldsByKey("DKIM-Signature"); f.Next(); {
		for _, tag := range strings.Split(f.Value(), ";") {
			tag = strings.TrimSpace(tag)
			if strings.HasPrefix(tag, "d=") {
				domains = append(domains, tag[2:])
			}
		}
	}
	if !reflect.DeepEqual(domains, []string{"example.org", "relay.net"}) {
		t.Fatal("Wrong signature order:", domains)
	}

	v := verifyTestMsg(t, map[string]mockdns.Zone{
		"s1._domainkey.example.org.": {TXT: []string{rec1}},
		"s2._domainkey.relay.net.":   {TXT: []string{rec2}},
	}, hdr, body)
	if len(v) != 2 {
		t.Fatal("Expected two verifications, got", len(v))
	}
	for _, ver := range v {
		if ver.Err != nil {
			t.Error("Verification error for", ver.Domain, ver.Err)
		}
	}
}

func TestSign_NoKeys(t *testing.T) {
	hdr, _ := signTestMsg(t, NewSigner())
	if hdr.Has("DKIM-Signature") {
		t.Fatal("Signed without keys")
	}
}

func TestFieldsToSign(t *testing.T) {
	h := textproto.Header{}
	h.Add("A", "1")
	h.Add("c", "2")
	h.Add("C", "3")
	h.Add("a", "4")
	h.Add("b", "5")
	h.Add("unrelated", "6")

	s := Signer{
		OversignFields: []string{"A", "B"},
		SignFields:     []string{"C"},
	}
	fields := s.fieldsToSign(&h)
	sort.Strings(fields)
	expected := []string{"A", "A", "A", "B", "B", "C", "C"}

	if !reflect.DeepEqual(fields, expected) {
		t.Errorf("incorrect set of fields to sign\nwant: %v\ngot:  %v", expected, fields)
	}
}
