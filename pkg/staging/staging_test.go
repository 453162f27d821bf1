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
	"errors"
	"testing"

	"github.com/spf13/afero"

	"tpu-toolkit/pkg/faults"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	local := afero.NewMemMapFs()
	bucket := afero.NewMemMapFs()
	store := NewLocalStore(bucket, "bucket")
	ctx := context.Background()

	files := map[string]string{
		"shards/train-00000-of-00002.rec": "first shard",
		"shards/train-00001-of-00002.rec": "second shard",
		"shards/train.manifest.yaml":      "manifest",
	}
	for name, body := range files {
		if err := afero.WriteFile(local, name, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	if err := store.UploadDir(ctx, local, "shards", "jobs/j1/data"); err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}

	out := afero.NewMemMapFs()
	if err := store.DownloadPrefix(ctx, out, "jobs/j1/data", "restored"); err != nil {
		t.Fatalf("DownloadPrefix failed: %v", err)
	}
	for name, body := range files {
		rel := name[len("shards/"):]
		got, err := afero.ReadFile(out, "restored/"+rel)
		if err != nil {
			t.Fatalf("restored file %q missing: %v", rel, err)
		}
		if string(got) != body {
			t.Errorf("restored %q = %q, want %q", rel, got, body)
		}
	}
}

func TestLocalStoreDeletePrefix(t *testing.T) {
	bucket := afero.NewMemMapFs()
	store := NewLocalStore(bucket, "bucket")
	ctx := context.Background()

	local := afero.NewMemMapFs()
	if err := afero.WriteFile(local, "d/keep.rec", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.UploadDir(ctx, local, "d", "jobs/j1/data"); err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}
	if err := store.UploadDir(ctx, local, "d", "jobs/j1/output"); err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}

	if err := store.DeletePrefix(ctx, "jobs/j1/data", false); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if ok, _ := afero.Exists(bucket, "bucket/jobs/j1/data/keep.rec"); ok {
		t.Errorf("data prefix survived deletion")
	}
	if ok, _ := afero.Exists(bucket, "bucket/jobs/j1/output/keep.rec"); !ok {
		t.Errorf("output prefix was deleted alongside data prefix")
	}
}

func TestDeletePrefixGuardsEmptyPrefix(t *testing.T) {
	store := NewLocalStore(afero.NewMemMapFs(), "bucket")
	ctx := context.Background()

	err := store.DeletePrefix(ctx, "", false)
	if !errors.Is(err, ErrUnsafeDelete) {
		t.Fatalf("DeletePrefix(\"\") = %v, want ErrUnsafeDelete", err)
	}
	if got := faults.KindOf(err); got != faults.DataIntegrity {
		t.Errorf("error kind %q, want %q", got, faults.DataIntegrity)
	}

	if err := store.DeletePrefix(ctx, "", true); err != nil {
		t.Fatalf("DeletePrefix(\"\", deleteAll) failed: %v", err)
	}
}
