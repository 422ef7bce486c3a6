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

package fs

import (
	"context"
	"os"
	"testing"

	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/foxcpp/sendpolicy/internal/storage/blob"
)

func TestFS(t *testing.T) {
	blob.TestStore(t, func(t *testing.T) module.BlobStore {
		return NewAt(t.TempDir())
	})
}

func TestFS_InvalidKey(t *testing.T) {
	s := NewAt(t.TempDir())
	for _, key := range []string{"", "..", "../etc/passwd", "a/b"} {
		if _, err := s.Create(context.Background(), key, 0); err == nil {
			t.Errorf("Create(%q) succeeded", key)
		}
		if _, err := s.Open(context.Background(), key); err == nil {
			t.Errorf("Open(%q) succeeded", key)
		}
	}
}

func TestFS_NoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	s := NewAt(root)
	b, err := s.Create(context.Background(), "k", module.UnknownBlobSize)
	if err != nil {
		t.Fatal(err)
	}
	b.Write([]byte("x"))
	if err := b.Sync(); err != nil {
		t.Fatal(err)
	}
	b.Close()

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "k" {
		t.Fatal("Unexpected directory contents:", entries)
	}
}
