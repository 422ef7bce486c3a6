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
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/module"
	"golang.org/x/net/idna"
)

const Day = 86400 * time.Second

var (
	oversignDefault = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",

		// Provide additional security benefit for OpenPGP.
		"Autocrypt",
		"Openpgp",
	}
	signDefault = []string{
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Forwarding trace, prepended by us before signing.
		"X-Forwarded-For",
		"X-Forwarded-From",
		"X-Forwarded-To",

		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}
)

// Signer adds a DKIM-Signature for each key attached to a delivery.
type Signer struct {
	OversignFields []string
	SignFields     []string
	HeaderCanon    dkim.Canonicalization
	BodyCanon      dkim.Canonicalization
	Expiry         time.Duration

	now func() time.Time
}

func NewSigner() *Signer {
	return &Signer{
		OversignFields: oversignDefault,
		SignFields:     signDefault,
		HeaderCanon:    dkim.CanonicalizationRelaxed,
		BodyCanon:      dkim.CanonicalizationRelaxed,
		Expiry:         5 * Day,
		now:            time.Now,
	}
}

// Config reads signing options from the dkim block. Must be called before
// cfg.Process.
func (s *Signer) Config(cfg *config.Map) {
	cfg.StringList("oversign_fields", false, false, oversignDefault, &s.OversignFields)
	cfg.StringList("sign_fields", false, false, signDefault, &s.SignFields)
	cfg.Enum("header_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&s.HeaderCanon))
	cfg.Enum("body_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&s.BodyCanon))
	cfg.Duration("sig_expiry", false, false, 5*Day, &s.Expiry)
}

func (s *Signer) fieldsToSign(h *textproto.Header) []string {
	// Duplicated fields cause panic() in go-msgauth internals.
	seen := make(map[string]struct{})

	res := make([]string, 0, len(s.OversignFields)+len(s.SignFields))
	for _, key := range s.OversignFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		// And once more to "oversign" it.
		res = append(res, key)
	}
	for _, key := range s.SignFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}

// Sign signs the message with every key in d.DKIMKeys and prepends the
// signatures to d.Header. openBody is called once per key.
func (s *Signer) Sign(d *module.Delivery, openBody func() (io.ReadCloser, error)) error {
	if d.Header == nil {
		return nil
	}

	// Signatures are computed over the header as it was before any of them
	// was added.
	fields := s.fieldsToSign(d.Header)
	sigs := make([]string, 0, len(d.DKIMKeys))
	for _, key := range d.DKIMKeys {
		sig, err := s.signOne(d, key, fields, openBody)
		if err != nil {
			return exterrors.WithFields(err, map[string]interface{}{
				"domain":   key.Domain,
				"selector": key.Selector,
			})
		}
		sigs = append(sigs, sig)
	}
	for i := len(sigs) - 1; i >= 0; i-- {
		d.Header.AddRaw([]byte(sigs[i]))
	}
	return nil
}

func (s *Signer) signOne(d *module.Delivery, key module.DKIMKey, fields []string, openBody func() (io.ReadCloser, error)) (string, error) {
	// Non-EAI messages must not use U-labels.
	domain, err := idna.ToASCII(key.Domain)
	if err != nil {
		return "", err
	}
	selector, err := idna.ToASCII(key.Selector)
	if err != nil {
		return "", err
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Identifier:             "@" + domain,
		Signer:                 key.Signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: s.HeaderCanon,
		BodyCanonicalization:   s.BodyCanon,
		HeaderKeys:             fields,
	}
	if s.Expiry != 0 {
		opts.Expiration = s.now().Add(s.Expiry)
	}
	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return "", err
	}
	if err := textproto.WriteHeader(signer, *d.Header); err != nil {
		signer.Close()
		return "", err
	}
	body, err := openBody()
	if err != nil {
		signer.Close()
		return "", err
	}
	defer body.Close()
	if _, err := io.Copy(signer, body); err != nil {
		signer.Close()
		return "", err
	}
	if err := signer.Close(); err != nil {
		return "", err
	}
	return signer.Signature(), nil
}
