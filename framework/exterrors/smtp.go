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

package exterrors

import (
	"errors"
	"fmt"
)

type EnhancedCode [3]int

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is an error that carries its own rendering as an SMTP reply.
//
// Pipeline stages return it for policy decisions (authentication failures,
// unauthorized senders, exceeded limits) so the endpoint can send the exact
// code and text to the client while logs still get the full context.
type SMTPError struct {
	// SMTP reply code (e.g. 550).
	Code int

	// Enhanced status code from RFC 3463. If the first element is zero, it
	// is derived from Code.
	EnhancedCode EnhancedCode

	// Text sent to the client. Keep it free of internal details.
	Message string

	// Name of the stage that produced the error, for logging.
	CheckName string

	// Underlying error, if any. It is logged but never sent to the client.
	Err error

	// Free-form diagnostic context added to log records.
	Misc map[string]interface{}

	// Reason is a short human-readable explanation used in logs in place of
	// Err.Error() and Message.
	Reason string
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+4)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.Enhanced()
	ctx["smtp_msg"] = se.Message
	if se.CheckName != "" {
		ctx["check"] = se.CheckName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	return ctx
}

// Enhanced returns the enhanced status code, deriving a generic one from the
// reply code class if it was not set explicitly.
func (se *SMTPError) Enhanced() EnhancedCode {
	if se.EnhancedCode[0] != 0 {
		return se.EnhancedCode
	}
	return EnhancedCode{se.Code / 100, 0, 0}
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Message
}

// AsSMTPError extracts the SMTPError from the err chain.
func AsSMTPError(err error) (*SMTPError, bool) {
	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr, true
	}
	return nil, false
}
