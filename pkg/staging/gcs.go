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

package staging

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"tpu-toolkit/pkg/faults"
	"tpu-toolkit/pkg/logging"
)

// readerRole is granted to the node's service account so the training
// process can pull staged shards.
const readerRole iam.RoleName = "roles/storage.objectViewer"

// GCSStore implements Store on a Cloud Storage bucket.
type GCSStore struct {
	client   *storage.Client
	project  string
	bucket   string
	location string
}

// NewGCSStore returns a store backed by the named bucket. The bucket is not
// touched until EnsureBucket is called.
func NewGCSStore(ctx context.Context, project, bucket, location string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating storage client")
	}
	return &GCSStore{client: client, project: project, bucket: bucket, location: location}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) EnsureBucket(ctx context.Context) error {
	attrs := &storage.BucketAttrs{Location: s.location}
	err := s.client.Bucket(s.bucket).Create(ctx, s.project, attrs)
	if err == nil {
		logging.Info("Created staging bucket %q in %s", s.bucket, s.location)
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		logging.Debug("Staging bucket %q already exists", s.bucket)
		return nil
	}
	return classifyStorage(errors.Wrapf(err, "creating bucket %q", s.bucket))
}

func (s *GCSStore) UploadDir(ctx context.Context, fs afero.Fs, dir, prefix string) error {
	return afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %q", dir)
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return errors.Wrapf(err, "relativizing %q", p)
		}
		return s.uploadFile(ctx, fs, p, path.Join(prefix, filepath.ToSlash(rel)))
	})
}

func (s *GCSStore) uploadFile(ctx context.Context, fs afero.Fs, src, object string) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q", src)
	}
	defer in.Close()

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return classifyStorage(errors.Wrapf(err, "uploading %q", object))
	}
	if err := w.Close(); err != nil {
		return classifyStorage(errors.Wrapf(err, "finalizing %q", object))
	}
	logging.Debug("Uploaded %s to gs://%s/%s", src, s.bucket, object)
	return nil
}

func (s *GCSStore) DownloadPrefix(ctx context.Context, fs afero.Fs, prefix, dir string) error {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return classifyStorage(errors.Wrapf(err, "listing prefix %q", prefix))
		}
		rel := strings.TrimPrefix(attrs.Name, prefix)
		rel = strings.TrimPrefix(rel, "/")
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := s.downloadObject(ctx, fs, attrs.Name, dst); err != nil {
			return err
		}
	}
}

func (s *GCSStore) downloadObject(ctx context.Context, fs afero.Fs, object, dst string) error {
	r, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return classifyStorage(errors.Wrapf(err, "reading %q", object))
	}
	defer r.Close()

	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", filepath.Dir(dst))
	}
	out, err := fs.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %q", dst)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return classifyStorage(errors.Wrapf(err, "downloading %q", object))
	}
	return out.Close()
}

func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string, deleteAll bool) error {
	if strings.TrimSpace(prefix) == "" && !deleteAll {
		return faults.Wrap(faults.DataIntegrity, ErrUnsafeDelete)
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return classifyStorage(errors.Wrapf(err, "listing prefix %q", prefix))
		}
		if err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				continue
			}
			return classifyStorage(errors.Wrapf(err, "deleting %q", attrs.Name))
		}
		logging.Debug("Deleted gs://%s/%s", s.bucket, attrs.Name)
	}
}

func (s *GCSStore) GrantReadAccess(ctx context.Context, serviceAccount string) error {
	if serviceAccount == "" {
		return nil
	}
	handle := s.client.Bucket(s.bucket).IAM()
	policy, err := handle.Policy(ctx)
	if err != nil {
		return classifyStorage(errors.Wrapf(err, "reading IAM policy of %q", s.bucket))
	}
	member := "serviceAccount:" + serviceAccount
	policy.Add(member, readerRole)
	if err := handle.SetPolicy(ctx, policy); err != nil {
		return classifyStorage(errors.Wrapf(err, "granting %s on %q", readerRole, s.bucket))
	}
	logging.Info("Granted %s to %s on bucket %q", readerRole, member, s.bucket)
	return nil
}

func classifyStorage(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return faults.Wrap(faults.ResourceExhaustion, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.Cancelled, err)
	}
	return faults.Wrap(faults.Transient, err)
}
