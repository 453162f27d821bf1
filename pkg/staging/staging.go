// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package staging moves training inputs and outputs between the local
// workspace and the job's staging bucket.
package staging

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"tpu-toolkit/pkg/faults"
	"tpu-toolkit/pkg/logging"
)

// ErrUnsafeDelete reports a DeletePrefix call that would wipe the whole
// bucket without the caller explicitly asking for that.
var ErrUnsafeDelete = errors.New("staging: refusing to delete entire bucket without deleteAll")

// Store is the staging bucket used to hand converted shards to the training
// node and to collect its outputs.
type Store interface {
	// EnsureBucket creates the bucket if it does not exist yet. Creating a
	// bucket that already exists is a no-op success.
	EnsureBucket(ctx context.Context) error

	// UploadDir mirrors the local directory under the given object prefix.
	UploadDir(ctx context.Context, fs afero.Fs, dir, prefix string) error

	// DownloadPrefix mirrors every object under prefix into the local
	// directory.
	DownloadPrefix(ctx context.Context, fs afero.Fs, prefix, dir string) error

	// DeletePrefix removes every object under prefix. An empty prefix is
	// rejected with ErrUnsafeDelete unless deleteAll is set.
	DeletePrefix(ctx context.Context, prefix string, deleteAll bool) error

	// GrantReadAccess lets the node's service account read staged objects.
	GrantReadAccess(ctx context.Context, serviceAccount string) error
}

// LocalStore implements Store on a filesystem root. Used for local runs and
// tests; GrantReadAccess is a no-op because there is no remote principal.
type LocalStore struct {
	fs   afero.Fs
	root string
}

// NewLocalStore returns a store rooted at root on fs.
func NewLocalStore(fs afero.Fs, root string) *LocalStore {
	return &LocalStore{fs: fs, root: root}
}

func (s *LocalStore) EnsureBucket(ctx context.Context) error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return faults.Wrapf(faults.Transient, err, "staging: creating root %q", s.root)
	}
	return nil
}

func (s *LocalStore) UploadDir(ctx context.Context, fs afero.Fs, dir, prefix string) error {
	if err := s.EnsureBucket(ctx); err != nil {
		return err
	}
	return afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %q", dir)
		}
		if info.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return faults.Wrap(faults.Cancelled, err)
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return errors.Wrapf(err, "relativizing %q", p)
		}
		return s.copyIn(fs, p, path.Join(prefix, filepath.ToSlash(rel)))
	})
}

func (s *LocalStore) DownloadPrefix(ctx context.Context, fs afero.Fs, prefix, dir string) error {
	src := filepath.Join(s.root, filepath.FromSlash(prefix))
	return afero.Walk(s.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %q", src)
		}
		if info.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return faults.Wrap(faults.Cancelled, err)
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return errors.Wrapf(err, "relativizing %q", p)
		}
		return s.copyOut(fs, p, filepath.Join(dir, rel))
	})
}

func (s *LocalStore) DeletePrefix(ctx context.Context, prefix string, deleteAll bool) error {
	if strings.TrimSpace(prefix) == "" && !deleteAll {
		return faults.Wrap(faults.DataIntegrity, ErrUnsafeDelete)
	}
	target := filepath.Join(s.root, filepath.FromSlash(prefix))
	logging.Debug("Deleting staged prefix %q", target)
	if err := s.fs.RemoveAll(target); err != nil {
		return faults.Wrapf(faults.Transient, err, "staging: deleting prefix %q", prefix)
	}
	return nil
}

func (s *LocalStore) GrantReadAccess(ctx context.Context, serviceAccount string) error {
	return nil
}

func (s *LocalStore) copyIn(fs afero.Fs, src, object string) error {
	dst := filepath.Join(s.root, filepath.FromSlash(object))
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", filepath.Dir(dst))
	}
	return copyFile(fs, s.fs, src, dst)
}

func (s *LocalStore) copyOut(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", filepath.Dir(dst))
	}
	return copyFile(s.fs, fs, src, dst)
}

func copyFile(srcFs, dstFs afero.Fs, src, dst string) error {
	in, err := srcFs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q", src)
	}
	defer in.Close()

	out, err := dstFs.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %q", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying %q", src)
	}
	return out.Close()
}
