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

package records

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"tpu-toolkit/pkg/faults"
)

func writeDataset(t *testing.T, fs afero.Fs, name string, n int) {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf, "record-%04d payload\n", i)
	}
	if err := afero.WriteFile(fs, name, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write dataset: %v", err)
	}
}

func TestConvertMNISTSmall(t *testing.T) {
	source := afero.NewMemMapFs()
	staging := afero.NewMemMapFs()
	writeDataset(t, source, "mnist-small", 1000)

	c := NewConverter(source, staging, "staging")
	m, err := c.Convert("mnist-small", 250)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if len(m.Shards) != 4 {
		t.Fatalf("expected 4 shards, got %d", len(m.Shards))
	}
	if !m.Complete {
		t.Errorf("manifest not marked complete")
	}
	total := 0
	for i, s := range m.Shards {
		if s.Index != i {
			t.Errorf("shard %d has index %d", i, s.Index)
		}
		if s.Records != 250 {
			t.Errorf("shard %d holds %d records, want 250", i, s.Records)
		}
		if err := VerifyShard(staging, s); err != nil {
			t.Errorf("shard %d failed verification: %v", i, err)
		}
		total += s.Records
	}
	if total != 1000 {
		t.Errorf("shards cover %d records, want 1000", total)
	}

	// Shards must be a non-overlapping partition of the source byte range.
	for i := 1; i < len(m.Shards); i++ {
		if m.Shards[i].StartOffset <= m.Shards[i-1].EndOffset {
			t.Errorf("shard %d byte range overlaps shard %d", i, i-1)
		}
	}
}

func TestConvertIdempotent(t *testing.T) {
	source := afero.NewMemMapFs()
	staging := afero.NewMemMapFs()
	writeDataset(t, source, "mnist-small", 1000)

	c := NewConverter(source, staging, "staging")
	first, err := c.Convert("mnist-small", 250)
	if err != nil {
		t.Fatalf("first Convert failed: %v", err)
	}
	firstBytes := readAllShards(t, staging, first)

	second, err := c.Convert("mnist-small", 250)
	if err != nil {
		t.Fatalf("second Convert failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("manifests differ between runs (-first +second):\n%s", diff)
	}
	secondBytes := readAllShards(t, staging, second)
	for p, b := range firstBytes {
		if !bytes.Equal(b, secondBytes[p]) {
			t.Errorf("shard %q not byte-identical between runs", p)
		}
	}
}

func readAllShards(t *testing.T, fs afero.Fs, m *Manifest) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	for _, s := range m.Shards {
		data, err := afero.ReadFile(fs, s.Path)
		if err != nil {
			t.Fatalf("failed to read shard %q: %v", s.Path, err)
		}
		out[s.Path] = data
	}
	return out
}

func TestConvertFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(source afero.Fs)
		dataset   string
		shardSize int
		wantErr   error
		wantKind  faults.Kind
	}{
		{
			name:      "missing source",
			setup:     func(afero.Fs) {},
			dataset:   "nope",
			shardSize: 10,
			wantErr:   ErrSourceUnreadable,
			wantKind:  faults.DataIntegrity,
		},
		{
			name: "empty source",
			setup: func(source afero.Fs) {
				afero.WriteFile(source, "empty", nil, 0644)
			},
			dataset:   "empty",
			shardSize: 10,
			wantErr:   ErrSourceUnreadable,
			wantKind:  faults.DataIntegrity,
		},
		{
			name: "non-positive shard size",
			setup: func(source afero.Fs) {
				afero.WriteFile(source, "data", []byte("a\nb\n"), 0644)
			},
			dataset:   "data",
			shardSize: 0,
			wantKind:  faults.DataIntegrity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := afero.NewMemMapFs()
			tt.setup(source)
			c := NewConverter(source, afero.NewMemMapFs(), "staging")

			m, err := c.Convert(tt.dataset, tt.shardSize)
			if err == nil {
				t.Fatalf("Convert succeeded with manifest %+v, want error", m)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error %v does not match %v", err, tt.wantErr)
			}
			if got := faults.KindOf(err); got != tt.wantKind {
				t.Errorf("error kind %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestConvertRepairsCorruptShard(t *testing.T) {
	source := afero.NewMemMapFs()
	staging := afero.NewMemMapFs()
	writeDataset(t, source, "mnist-small", 100)

	c := NewConverter(source, staging, "staging")
	m, err := c.Convert("mnist-small", 25)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	// Simulate a crashed prior attempt leaving a corrupted shard behind.
	victim := m.Shards[2]
	if err := afero.WriteFile(staging, victim.Path, []byte("garbage"), 0644); err != nil {
		t.Fatalf("failed to corrupt shard: %v", err)
	}

	repaired, err := c.Convert("mnist-small", 25)
	if err != nil {
		t.Fatalf("Convert after corruption failed: %v", err)
	}
	if err := VerifyShard(staging, repaired.Shards[2]); err != nil {
		t.Errorf("corrupted shard was not rewritten: %v", err)
	}
	if diff := cmp.Diff(m, repaired); diff != "" {
		t.Errorf("repaired manifest differs (-orig +repaired):\n%s", diff)
	}
}

func TestExistingFreshness(t *testing.T) {
	source := afero.NewMemMapFs()
	staging := afero.NewMemMapFs()
	writeDataset(t, source, "mnist-small", 100)

	c := NewConverter(source, staging, "staging")

	if m, err := c.Existing("mnist-small"); err != nil || m != nil {
		t.Fatalf("Existing before conversion = (%v, %v), want (nil, nil)", m, err)
	}

	if _, err := c.Convert("mnist-small", 25); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	m, err := c.Existing("mnist-small")
	if err != nil {
		t.Fatalf("Existing failed: %v", err)
	}
	if m == nil || !m.Complete {
		t.Fatalf("Existing did not return the completed manifest")
	}

	// Changing the source invalidates the manifest.
	writeDataset(t, source, "mnist-small", 101)
	if m, err := c.Existing("mnist-small"); err != nil || m != nil {
		t.Errorf("Existing after source change = (%v, %v), want (nil, nil)", m, err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("alpha"), []byte(""), []byte("a longer record payload")}
	for _, p := range payloads {
		if err := writeFrame(&buf, p); err != nil {
			t.Fatalf("writeFrame failed: %v", err)
		}
	}

	r := bytes.NewReader(buf.Bytes())
	for i, want := range payloads {
		got, err := readFrame(r)
		if err != nil {
			t.Fatalf("readFrame %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}

	// A flipped payload byte must fail the CRC check.
	corrupted := append([]byte(nil), buf.Bytes()...)
	corrupted[14] ^= 0xff
	if _, err := readFrame(bytes.NewReader(corrupted)); err == nil {
		t.Errorf("readFrame accepted a corrupted payload")
	}
}
