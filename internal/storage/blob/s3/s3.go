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

// Package s3 implements module.BlobStore on top of an S3-compatible object
// storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/foxcpp/sendpolicy/framework/config"
	"github.com/foxcpp/sendpolicy/framework/log"
	"github.com/foxcpp/sendpolicy/framework/module"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const modName = "blob.s3"

const (
	credsTypeFileMinio = "file_minio"
	credsTypeFileAWS   = "file_aws"
	credsTypeAccessKey = "access_key"
	credsTypeIAM       = "iam"
	credsTypeDefault   = credsTypeAccessKey
)

var errNoSync = errors.New("blob.s3: blob closed without Sync")

type Store struct {
	instName string
	log      log.Logger

	endpoint string
	cl       *minio.Client

	bucketName   string
	objectPrefix string
}

func New(_, instName string, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: expected 0 arguments", modName)
	}

	return &Store{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (s *Store) Init(cfg *config.Map) error {
	var (
		secure          bool
		accessKeyID     string
		secretAccessKey string
		credsType       string
		location        string
	)
	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.String("endpoint", false, true, "", &s.endpoint)
	cfg.Bool("secure", false, true, &secure)
	cfg.String("access_key", false, false, "", &accessKeyID)
	cfg.String("secret_key", false, false, "", &secretAccessKey)
	cfg.String("bucket", false, true, "", &s.bucketName)
	cfg.String("region", false, false, "", &location)
	cfg.String("object_prefix", false, false, "", &s.objectPrefix)
	cfg.Enum("creds", false, false,
		[]string{credsTypeFileMinio, credsTypeFileAWS, credsTypeAccessKey, credsTypeIAM},
		credsTypeDefault, &credsType)

	if _, err := cfg.Process(); err != nil {
		return err
	}
	if s.endpoint == "" {
		return fmt.Errorf("%s: endpoint not set", modName)
	}

	var creds *credentials.Credentials
	switch credsType {
	case credsTypeFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case credsTypeFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case credsTypeIAM:
		creds = credentials.NewIAM("")
	default:
		if accessKeyID == "" || secretAccessKey == "" {
			return config.NodeErr(cfg.Block, "%s: access_key and secret_key are required", modName)
		}
		creds = credentials.NewStaticV4(accessKeyID, secretAccessKey, "")
	}

	cl, err := minio.New(s.endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: location,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}

	s.cl = cl
	return nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

// s3blob streams writes of known size into a PutObject call running in the
// background. The upload completes on Sync and is aborted on Close without
// Sync.
type s3blob struct {
	pw    *io.PipeWriter
	done  bool
	errCh chan error
}

func (b *s3blob) Sync() error {
	if b.done {
		return fmt.Errorf("%s: Sync called twice", modName)
	}
	b.done = true
	b.pw.Close()
	return <-b.errCh
}

func (b *s3blob) Write(p []byte) (n int, err error) {
	return b.pw.Write(p)
}

func (b *s3blob) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	b.pw.CloseWithError(errNoSync)
	<-b.errCh
	return nil
}

// spoolBlob collects writes of unknown size in a temporary file and
// uploads it with a known size on Sync. minio-go would otherwise use a
// multipart upload with at least 5 MiB parts.
type spoolBlob struct {
	s    *Store
	ctx  context.Context
	key  string
	f    *os.File
	done bool
}

func (b *spoolBlob) Write(p []byte) (int, error) {
	return b.f.Write(p)
}

func (b *spoolBlob) Sync() error {
	if b.done {
		return fmt.Errorf("%s: Sync called twice", modName)
	}
	b.done = true
	defer b.cleanup()

	size, err := b.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	if _, err := b.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	_, err = b.s.cl.PutObject(b.ctx, b.s.bucketName, b.s.objectPrefix+b.key, b.f, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3 PutObject: %w", err)
	}
	return nil
}

func (b *spoolBlob) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	b.cleanup()
	return nil
}

func (b *spoolBlob) cleanup() {
	b.f.Close()
	if err := os.Remove(b.f.Name()); err != nil {
		b.s.log.Error("failed to remove spool file", err, "key", b.key)
	}
}

func (s *Store) Create(ctx context.Context, key string, blobSize int64) (module.Blob, error) {
	if blobSize == module.UnknownBlobSize {
		f, err := os.CreateTemp("", "sendpolicy-s3-*")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", modName, err)
		}
		return &spoolBlob{s: s, ctx: ctx, key: key, f: f}, nil
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		_, err := s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+key, pr, blobSize, minio.PutObjectOptions{})
		if err != nil {
			pr.CloseWithError(fmt.Errorf("s3 PutObject: %w", err))
		}
		errCh <- err
	}()

	return &s3blob{
		pw:    pw,
		errCh: errCh,
	}, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	// GetObject is lazy, Stat makes the request.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	var lastErr error
	for _, k := range keys {
		err := s.cl.RemoveObject(ctx, s.bucketName, s.objectPrefix+k, minio.RemoveObjectOptions{})
		if err != nil && !isNotFound(err) {
			s.log.Error("failed to delete object", err, "key", s.objectPrefix+k)
			lastErr = err
		}
	}
	return lastErr
}

func init() {
	var _ module.BlobStore = &Store{}
	module.Register(modName, New)
}
