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

package submission

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/google/uuid"
)

var now = time.Now

func prepareErr(msg string, misc map[string]interface{}, err error) error {
	if misc == nil {
		misc = map[string]interface{}{}
	}
	misc["stage"] = "submission_prepare"
	return &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
		Message:      msg,
		Misc:         misc,
		Err:          err,
	}
}

// submissionPrepare validates the originator fields of a message submitted
// by a client and fills in Message-ID and Date if they are missing.
func (s *Session) submissionPrepare(header *textproto.Header) error {
	from := header.Get("From")
	if from == "" {
		return prepareErr("Message does not contain a From header field", nil, nil)
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil {
		return prepareErr("Invalid address in From", map[string]interface{}{"addr": from}, err)
	}

	if sender := header.Get("Sender"); sender != "" {
		if _, err := mail.ParseAddress(sender); err != nil {
			return prepareErr("Invalid address in Sender", map[string]interface{}{"addr": sender}, err)
		}
	} else if len(addrs) > 1 {
		// RFC 5322 Section 3.6.2.
		return prepareErr("Missing Sender header field", map[string]interface{}{"from": from}, nil)
	}

	for _, field := range [...]string{"To", "Cc", "Bcc", "Reply-To"} {
		value := header.Get(field)
		if value == "" {
			continue
		}
		if _, err := mail.ParseAddressList(value); err != nil {
			return prepareErr(fmt.Sprintf("Invalid address in %s", field),
				map[string]interface{}{"addr": value}, err)
		}
	}

	mh := gomail.Header{Header: message.Header{Header: *header}}
	if mh.Get("Message-ID") == "" {
		s.log.Msg("adding missing Message-ID")
		mh.SetMessageID(uuid.NewString() + "@" + s.endp.serv.Domain)
	}
	if dateHdr := mh.Get("Date"); dateHdr != "" {
		if _, err := mh.Date(); err != nil {
			return &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
				Message:      "Malformed Date header",
				Misc: map[string]interface{}{
					"stage": "submission_prepare",
					"date":  dateHdr,
				},
				Err: err,
			}
		}
	} else {
		s.log.Msg("adding missing Date header")
		mh.SetDate(now().UTC())
	}
	*header = mh.Header.Header
	return nil
}
