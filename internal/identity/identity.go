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

// Package identity maps authenticated envelopes to directory users and
// decides which addresses a user may send as.
package identity

import (
	"context"

	"github.com/foxcpp/sendpolicy/framework/address"
	"github.com/foxcpp/sendpolicy/framework/exterrors"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
)

var (
	ErrInsufficientInfo = &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "Insufficient user info",
		CheckName:    "identity",
	}
	ErrUserNotFound = &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "User not found",
		CheckName:    "identity",
	}
)

// Ownership describes how a user is entitled to an address.
type Ownership int

const (
	NotAuthorized Ownership = iota
	// Owner means the address belongs to the user directly (including
	// the default address and wildcard domain entries).
	Owner
	// ForwardTarget means the address forwards to the user.
	ForwardTarget
)

func (o Ownership) String() string {
	switch o {
	case Owner:
		return "owner"
	case ForwardTarget:
		return "forward_target"
	}
	return "not_authorized"
}

// ownershipRule is one step of the authorization chain. It returns
// NotAuthorized to pass the decision to the next rule.
type ownershipRule func(user *module.UserRecord, normAddr string, rec *module.AddressRecord) Ownership

var ownershipChain = []ownershipRule{
	func(user *module.UserRecord, _ string, rec *module.AddressRecord) Ownership {
		if rec != nil && rec.OwnedBy(user.ID) {
			return Owner
		}
		return NotAuthorized
	},
	func(user *module.UserRecord, _ string, rec *module.AddressRecord) Ownership {
		if rec != nil && rec.ForwardsTo(user.ID) {
			return ForwardTarget
		}
		return NotAuthorized
	},
}

type Resolver struct {
	Dir module.Directory
	Log log.Logger
}

func New(dir module.Directory, logger log.Logger) *Resolver {
	return &Resolver{Dir: dir, Log: logger}
}

// GetUser returns the directory record of the user that authenticated the
// envelope.
//
// The record is fetched once per envelope and cached on it. Lookup failures
// are temporary errors. A missing identity or user is a policy error.
func (r *Resolver) GetUser(ctx context.Context, env *module.Envelope) (*module.UserRecord, error) {
	if u := env.CachedUser(); u != nil {
		return u, nil
	}

	if env.User == "" {
		return nil, ErrInsufficientInfo
	}
	username := module.TagUsername(env.User)
	if username == "" {
		return nil, ErrInsufficientInfo
	}

	u, err := r.Dir.FindByUsername(ctx, username)
	if err != nil {
		return nil, exterrors.WithFields(exterrors.WithTemporary(err, true), map[string]interface{}{
			"check":    "identity",
			"username": username,
		})
	}
	if u == nil {
		return nil, &exterrors.SMTPError{
			Code:         ErrUserNotFound.Code,
			EnhancedCode: ErrUserNotFound.EnhancedCode,
			Message:      ErrUserNotFound.Message,
			CheckName:    "identity",
			Misc:         map[string]interface{}{"username": username},
		}
	}

	env.CacheUser(u)
	return u, nil
}

// Ownership reports how user is entitled to addr.
//
// The address is compared in the address.ForOwnership form. Directory
// lookup falls back to the *@domain entry. A malformed address is never
// authorized.
func (r *Resolver) Ownership(ctx context.Context, user *module.UserRecord, addr string) (Ownership, error) {
	normAddr, err := address.ForOwnership(addr)
	if err != nil {
		r.Log.DebugMsg("malformed address", "address", addr, "reason", err.Error())
		return NotAuthorized, nil
	}

	if user.Address != "" && address.SameOwner(user.Address, normAddr) {
		return Owner, nil
	}

	rec, err := r.Dir.ResolveAddress(ctx, normAddr, module.ResolveOpts{Wildcard: true})
	if err != nil {
		return NotAuthorized, exterrors.WithFields(exterrors.WithTemporary(err, true), map[string]interface{}{
			"check":   "identity",
			"address": normAddr,
		})
	}

	for _, rule := range ownershipChain {
		if o := rule(user, normAddr, rec); o != NotAuthorized {
			return o, nil
		}
	}
	return NotAuthorized, nil
}

// Authorized is a shortcut for Ownership(...) != NotAuthorized.
func (r *Resolver) Authorized(ctx context.Context, user *module.UserRecord, addr string) (bool, error) {
	o, err := r.Ownership(ctx, user, addr)
	return o != NotAuthorized, err
}
