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

// Package fs implements module.BlobStore as a directory of files.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/module"
)

const modName = "blob.fs"

// Store keeps each blob in a file named by the key under root.
type Store struct {
	instName string
	root     string
}

func New(_, instName string, inlineArgs []string) (module.Module, error) {
	s := &Store{instName: instName}
	switch len(inlineArgs) {
	case 0:
	case 1:
		s.root = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: 1 or 0 arguments expected", modName)
	}
	return s, nil
}

// NewAt returns the store for an existing root directory.
func NewAt(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

func (s *Store) Init(cfg *config.Map) error {
	cfg.String("root", false, false, s.root, &s.root)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if s.root == "" {
		return config.NodeErr(cfg.Block, "%s: directory not set", modName)
	}
	return os.MkdirAll(s.root, 0o700)
}

func (s *Store) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%s: invalid key: %q", modName, key)
	}
	return filepath.Join(s.root, key), nil
}

func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return f, nil
}

// fileBlob is written to a temporary file that is renamed into place on
// Sync, so readers never see partial content.
type fileBlob struct {
	f      *os.File
	target string
	synced bool
}

func (b *fileBlob) Write(p []byte) (int, error) {
	return b.f.Write(p)
}

func (b *fileBlob) Sync() error {
	if b.synced {
		return fmt.Errorf("%s: Sync called twice", modName)
	}
	if err := b.f.Sync(); err != nil {
		return err
	}
	if err := b.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(b.f.Name(), b.target); err != nil {
		return err
	}
	b.synced = true
	return nil
}

func (b *fileBlob) Close() error {
	if b.synced {
		return nil
	}
	b.f.Close()
	return os.Remove(b.f.Name())
}

func (s *Store) Create(_ context.Context, key string, _ int64) (module.Blob, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.root, ".tmp-"+key+"-*")
	if err != nil {
		return nil, err
	}
	return &fileBlob{f: f, target: path}, nil
}

func (s *Store) Delete(_ context.Context, keys []string) error {
	for _, key := range keys {
		path, err := s.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func init() {
	var _ module.BlobStore = &Store{}
	module.Register(modName, New)
}
