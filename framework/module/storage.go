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

package module

import (
	"context"
	"time"

	"github.com/emersion/go-message/textproto"
)

// MessageMeta is attached to every stored copy of an outbound message.
type MessageMeta struct {
	Protocol   string
	QueueID    string
	From       string
	To         []string
	OriginHost string
	// TransHost is the client HELO name.
	TransHost string
	// TransType is the transmission type (ESMTPSA and so on).
	TransType string
	Time      time.Time
}

type StoreOpts struct {
	Flags []string
	// Dedupe skips storing if a byte-identical message already exists in the
	// same mailbox of the same user.
	Dedupe bool
}

// MessageStore is the user mailbox storage.
type MessageStore interface {
	// StoreMessage stores raw into the mailbox with the specified special-use
	// attribute (e.g. \Sent). It returns false if the message was not
	// stored because of deduplication.
	//
	// Implementations replicate the message into active audit captures of
	// the user as part of the same call.
	StoreMessage(ctx context.Context, userID, specialUse string, raw []byte, meta MessageMeta, opts StoreOpts) (bool, error)
}

// Encrypter encrypts a raw message for the specified public key.
//
// Encrypt returns (nil, nil) if the message cannot be encrypted with
// the key.
type Encrypter interface {
	Encrypt(pubKey string, raw []byte) ([]byte, error)
}

// ParsedMessage is the result of MessageParser.Parse.
type ParsedMessage struct {
	MessageID      string
	Header         textproto.Header
	HasAttachments bool
}

type MessageParser interface {
	Parse(raw []byte) (*ParsedMessage, error)
}
