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

// Package blob contains the conformance test shared by module.BlobStore
// implementations.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/foxcpp/sendpolicy/framework/module"
)

func put(t *testing.T, store module.BlobStore, key string, data []byte, size int64) {
	t.Helper()
	ctx := context.Background()
	b, err := store.Create(ctx, key, size)
	if err != nil {
		t.Fatal("Create:", err)
	}
	if _, err := b.Write(data); err != nil {
		t.Fatal("Write:", err)
	}
	if err := b.Sync(); err != nil {
		t.Fatal("Sync:", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal("Close:", err)
	}
}

func get(t *testing.T, store module.BlobStore, key string) ([]byte, error) {
	t.Helper()
	r, err := store.Open(context.Background(), key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// TestStore runs the common checks against the store returned by
// newStore. Each subtest gets a fresh store.
func TestStore(t *testing.T, newStore func(t *testing.T) module.BlobStore) {
	body := []byte("Subject: test\r\n\r\nBody text.\r\n")

	t.Run("CreateOpen", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "01HQ8XYZ", body, int64(len(body)))

		got, err := get(t, store, "01HQ8XYZ")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("Wrong content: %q", got)
		}
	})
	t.Run("UnknownSize", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "m-1", body, module.UnknownBlobSize)

		got, err := get(t, store, "m-1")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("Wrong content: %q", got)
		}
	})
	t.Run("Missing", func(t *testing.T) {
		store := newStore(t)
		if _, err := get(t, store, "missing"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Fatal("Wrong error:", err)
		}
	})
	t.Run("CloseWithoutSync", func(t *testing.T) {
		store := newStore(t)
		b, err := store.Create(context.Background(), "aborted", module.UnknownBlobSize)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Write(body); err != nil {
			t.Fatal(err)
		}
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := get(t, store, "aborted"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Fatal("Aborted blob is visible:", err)
		}
	})
	t.Run("Overwrite", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "key", []byte("old"), 3)
		put(t, store, "key", body, int64(len(body)))
		got, err := get(t, store, "key")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("Wrong content: %q", got)
		}
	})
	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "a", body, int64(len(body)))
		put(t, store, "b", body, int64(len(body)))

		if err := store.Delete(context.Background(), []string{"a", "missing"}); err != nil {
			t.Fatal(err)
		}
		if _, err := get(t, store, "a"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Fatal("Deleted blob is still there:", err)
		}
		if _, err := get(t, store, "b"); err != nil {
			t.Fatal("Unrelated blob removed:", err)
		}
	})
}
