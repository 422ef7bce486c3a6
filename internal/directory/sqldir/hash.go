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

package sqldir

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Stored passwords have the form algo:data, e.g. bcrypt:$2a$10$...
const (
	HashSHA256 = "sha256"
	HashBcrypt = "bcrypt"
	HashArgon2 = "argon2"
	// HashCrypt is for hashes imported from /etc/shadow or similar
	// ($5$ and $6$). It can be verified but not computed.
	HashCrypt = "crypt"

	DefaultHash = HashBcrypt

	argon2SaltLen = 16
	argon2KeyLen  = 64
)

var ErrHashMismatch = errors.New("sqldir: password mismatch")

// HashOpts holds parameters for new password hashes. Verification uses the
// parameters stored with the hash.
type HashOpts struct {
	BcryptCost int

	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
}

var DefaultHashOpts = HashOpts{
	BcryptCost:    bcrypt.DefaultCost,
	Argon2Time:    3,
	Argon2Memory:  32 * 1024,
	Argon2Threads: 1,
}

type (
	funcHashCompute func(opts HashOpts, pass string) (string, error)
	funcHashVerify  func(pass, data string) error
)

var (
	hashCompute = map[string]funcHashCompute{
		HashSHA256: computeSHA256,
		HashBcrypt: computeBcrypt,
		HashArgon2: computeArgon2,
	}
	hashVerify = map[string]funcHashVerify{
		HashSHA256: verifySHA256,
		HashBcrypt: verifyBcrypt,
		HashArgon2: verifyArgon2,
		HashCrypt:  verifyCrypt,
	}

	// Hashes lists the algorithms usable for new passwords.
	Hashes = []string{HashBcrypt, HashArgon2, HashSHA256}
)

// HashPassword computes the stored form of pass.
func HashPassword(algo string, opts HashOpts, pass string) (string, error) {
	compute := hashCompute[algo]
	if compute == nil {
		return "", fmt.Errorf("sqldir: unknown hash: %s", algo)
	}
	data, err := compute(opts, pass)
	if err != nil {
		return "", err
	}
	return algo + ":" + data, nil
}

// VerifyPassword checks pass against the stored hash. ErrHashMismatch is
// returned if the password is wrong, other errors mean the stored value is
// malformed.
func VerifyPassword(stored, pass string) error {
	algo, data, ok := strings.Cut(stored, ":")
	if !ok {
		return fmt.Errorf("sqldir: no hash tag")
	}
	verify := hashVerify[algo]
	if verify == nil {
		return fmt.Errorf("sqldir: unknown hash: %s", algo)
	}
	return verify(pass, data)
}

func readSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("sqldir: failed to generate salt: %w", err)
	}
	return salt, nil
}

func computeArgon2(opts HashOpts, pass string) (string, error) {
	salt, err := readSalt(argon2SaltLen)
	if err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(pass), salt, opts.Argon2Time, opts.Argon2Memory, opts.Argon2Threads, argon2KeyLen)
	return strings.Join([]string{
		strconv.FormatUint(uint64(opts.Argon2Time), 10),
		strconv.FormatUint(uint64(opts.Argon2Memory), 10),
		strconv.FormatUint(uint64(opts.Argon2Threads), 10),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	}, ":"), nil
}

func verifyArgon2(pass, data string) error {
	parts := strings.SplitN(data, ":", 5)
	if len(parts) != 5 {
		return fmt.Errorf("sqldir: malformed argon2 hash")
	}

	time, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return fmt.Errorf("sqldir: malformed argon2 hash: %w", err)
	}
	memory, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("sqldir: malformed argon2 hash: %w", err)
	}
	threads, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return fmt.Errorf("sqldir: malformed argon2 hash: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("sqldir: malformed argon2 hash: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("sqldir: malformed argon2 hash: %w", err)
	}

	passHash := argon2.IDKey([]byte(pass), salt, uint32(time), uint32(memory), uint8(threads), uint32(len(hash)))
	if subtle.ConstantTimeCompare(passHash, hash) != 1 {
		return ErrHashMismatch
	}
	return nil
}

func computeSHA256(_ HashOpts, pass string) (string, error) {
	salt, err := readSalt(32)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(salt, pass...))
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

func verifySHA256(pass, data string) error {
	saltB64, hashB64, ok := strings.Cut(data, ":")
	if !ok {
		return fmt.Errorf("sqldir: malformed sha256 hash, no salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("sqldir: malformed sha256 hash: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return fmt.Errorf("sqldir: malformed sha256 hash: %w", err)
	}

	sum := sha256.Sum256(append(salt, pass...))
	if subtle.ConstantTimeCompare(sum[:], hash) != 1 {
		return ErrHashMismatch
	}
	return nil
}

func computeBcrypt(opts HashOpts, pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), opts.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyBcrypt(pass, data string) error {
	err := bcrypt.CompareHashAndPassword([]byte(data), []byte(pass))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrHashMismatch
	}
	return err
}

func verifyCrypt(pass, data string) (err error) {
	if data == "" || data[0] == '!' {
		return ErrHashMismatch
	}

	// crypt.NewFromHash panics on unknown hash function.
	defer func() {
		if rcvr := recover(); rcvr != nil {
			err = fmt.Errorf("sqldir: %v", rcvr)
		}
	}()

	if err := crypt.NewFromHash(data).Verify(data, []byte(pass)); err != nil {
		if errors.Is(err, crypt.ErrKeyMismatch) {
			return ErrHashMismatch
		}
		return err
	}
	return nil
}
