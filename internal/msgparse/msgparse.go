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

// Package msgparse extracts the metadata needed for audit records from raw
// messages.
package msgparse

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/sendpolicy/framework/module"
)

type Parser struct{}

// Parse reads the header and walks the MIME tree of raw. Parts with unknown
// charsets or transfer encodings are not an error.
func (Parser) Parse(raw []byte) (*module.ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	defer mr.Close()

	res := &module.ParsedMessage{
		Header: mr.Header.Header.Header.Copy(),
	}
	if msgID, err := mr.Header.MessageID(); err == nil {
		res.MessageID = msgID
	} else {
		res.MessageID = strings.Trim(mr.Header.Get("Message-Id"), "<> \t")
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, err
		}

		if _, ok := p.Header.(*mail.AttachmentHeader); ok {
			res.HasAttachments = true
		}
		if _, err := io.Copy(io.Discard, p.Body); err != nil {
			return nil, err
		}
	}

	return res, nil
}
