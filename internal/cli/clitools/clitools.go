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

// Package clitools has interactive prompts for the CLI subcommands.
package clitools

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

var stdinScanner = bufio.NewScanner(os.Stdin)

// ErrPromptRejected is returned if the user pressed Esc, Ctrl-C or Ctrl-D
// while entering a password.
var ErrPromptRejected = errors.New("prompt rejected")

func Confirmation(prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}

	fmt.Fprintf(os.Stderr, "%s [%s]: ", prompt, selection)
	if !stdinScanner.Scan() {
		fmt.Fprintln(os.Stderr, stdinScanner.Err())
		return false
	}

	switch strings.ToLower(strings.TrimSpace(stdinScanner.Text())) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

// readRaw reads the line from a terminal in non-canonical mode.
func readRaw(tty *os.File, maxLen int) (string, error) {
	var (
		buf = make([]byte, 0, maxLen)
		ch  = make([]byte, 1)
	)
	for {
		n, err := tty.Read(ch)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if n != 1 {
			return "", errors.New("read password: short read in non-canonical mode")
		}

		switch ch[0] {
		case '\n', '\r':
			return string(buf), nil
		case '\x1b', '\x04', '\x03':
			return "", ErrPromptRejected
		case '\x7F', '\b':
			if len(buf) != 0 {
				buf = buf[:len(buf)-1]
			}
			continue
		}
		if len(buf) == maxLen {
			return "", errors.New("read password: too long")
		}
		buf = append(buf, ch[0])
	}
}

// ReadPassword prompts for a password on stderr and reads it from stdin
// with echo disabled. If stdin is not a terminal, the line is read as is.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)

	orig, err := TurnOnRawIO(os.Stdin)
	if err != nil {
		if !stdinScanner.Scan() {
			return "", stdinScanner.Err()
		}
		return stdinScanner.Text(), nil
	}
	//nolint:errcheck
	defer TcSetAttr(os.Stdin.Fd(), &orig)

	pass, err := readRaw(os.Stdin, 512)
	fmt.Fprintln(os.Stderr)
	return pass, err
}

// ReadNewPassword asks for the password twice and fails if the entries do
// not match.
func ReadNewPassword() (string, error) {
	pass, err := ReadPassword("Enter password")
	if err != nil {
		return "", err
	}
	confirm, err := ReadPassword("Repeat password")
	if err != nil {
		return "", err
	}
	if pass != confirm {
		return "", errors.New("passwords do not match")
	}
	if pass == "" {
		return "", errors.New("empty password")
	}
	return pass, nil
}
