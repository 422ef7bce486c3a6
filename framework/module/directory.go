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
)

// ScopeMaster is the scope of the primary account password, as opposed to
// application-specific passwords.
const ScopeMaster = "master"

type AuthInfo struct {
	Protocol  string
	IP        string
	SessionID string
}

// AuthResult is returned by Directory.Authenticate on a credential match.
type AuthResult struct {
	UserID   string
	Username string
	// Scope is the scope of the matched credential (ScopeMaster or the
	// name of the application-specific password).
	Scope string
	// Require2FA is set when the account has second factor enabled.
	Require2FA bool
}

// UserRecord is the projection of the directory entry used by the pipeline.
type UserRecord struct {
	ID       string
	Username string
	// Address is the default address of the account.
	Address string

	// Quota is the storage quota in bytes. Zero or negative means
	// unlimited.
	Quota       int64
	StorageUsed int64

	// RecipientLimit is the per-period recipient cap. Zero or negative
	// means no cap.
	RecipientLimit int64

	CopyToSent bool
	Encrypt    bool
	PubKey     string
}

// OverQuota reports whether storage usage exceeds the quota.
func (u *UserRecord) OverQuota() bool {
	return u.Quota > 0 && u.StorageUsed > u.Quota
}

// AddressRecord describes who may use an address.
type AddressRecord struct {
	// Address as stored in the directory. For wildcard entries it is
	// *@domain.
	Address string
	// UserID is the owning user, empty for forwarding addresses.
	UserID string
	// Targets are IDs of users this address forwards to.
	Targets []string
}

func (r *AddressRecord) OwnedBy(userID string) bool {
	return r.UserID != "" && r.UserID == userID
}

func (r *AddressRecord) ForwardsTo(userID string) bool {
	for _, t := range r.Targets {
		if t == userID {
			return true
		}
	}
	return false
}

type ResolveOpts struct {
	// Wildcard enables fallback to the *@domain entry.
	Wildcard bool
}

// Directory is the user directory.
//
// All methods return (nil, nil) if there is no match. Errors are reserved
// for lookup failures.
type Directory interface {
	Authenticate(ctx context.Context, username, password string, info AuthInfo) (*AuthResult, error)
	FindByUsername(ctx context.Context, username string) (*UserRecord, error)
	// ResolveAddress expects the address in the address.ForOwnership form.
	ResolveAddress(ctx context.Context, addr string, opts ResolveOpts) (*AddressRecord, error)
}
