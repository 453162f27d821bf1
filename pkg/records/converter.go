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

// Package records converts a raw dataset into sharded, checksummed training
// record files plus a conversion manifest. Conversion is deterministic:
// re-running on the same source with the same shard size produces
// byte-identical shards and an identical manifest, so a crashed attempt can
// simply be re-run.
package records

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"syscall"

	stderrors "errors"

	"github.com/spf13/afero"

	"tpu-toolkit/pkg/faults"
	"tpu-toolkit/pkg/logging"
)

var (
	// ErrSourceUnreadable reports a dataset that cannot be opened or that
	// contains no records.
	ErrSourceUnreadable = stderrors.New("records: source unreadable")

	// ErrPartialWrite reports staging content that does not match its
	// checksum even after a rewrite.
	ErrPartialWrite = stderrors.New("records: partial write detected")

	// ErrInsufficientStorage reports staging writes failing on capacity.
	ErrInsufficientStorage = stderrors.New("records: insufficient staging storage")
)

// Converter turns raw datasets into shard files under a staging directory.
// Safe for concurrent use across datasets; shard paths are dataset-scoped.
type Converter struct {
	source  afero.Fs
	staging afero.Fs
	dir     string
}

// NewConverter returns a converter reading raw data from source and writing
// shards and manifests under dir on staging.
func NewConverter(source, staging afero.Fs, dir string) *Converter {
	return &Converter{source: source, staging: staging, dir: dir}
}

type record struct {
	offset int64
	data   []byte
}

// Convert partitions the dataset into shards of at most targetShardSize
// records, writes each shard with verify-after-write, and records the result
// in a manifest marked complete. Shards already present with the expected
// checksum are kept as-is; corrupted leftovers from a crashed attempt are
// deleted and rewritten.
func (c *Converter) Convert(datasetRef string, targetShardSize int) (*Manifest, error) {
	if targetShardSize <= 0 {
		return nil, faults.Newf(faults.DataIntegrity, "records: target shard size must be positive, got %d", targetShardSize)
	}

	recs, sourceChecksum, err := c.readSource(datasetRef)
	if err != nil {
		return nil, err
	}

	shardCount := (len(recs) + targetShardSize - 1) / targetShardSize
	logging.Info("Converting dataset %q: %d records into %d shards of up to %d records", datasetRef, len(recs), shardCount, targetShardSize)

	manifest := &Manifest{
		Dataset:        datasetRef,
		SourceChecksum: sourceChecksum,
		ShardSize:      targetShardSize,
		Shards:         make([]ShardMeta, 0, shardCount),
	}

	for i := 0; i < shardCount; i++ {
		lo := i * targetShardSize
		hi := lo + targetShardSize
		if hi > len(recs) {
			hi = len(recs)
		}
		meta, err := c.writeShard(datasetRef, i, shardCount, recs[lo:hi])
		if err != nil {
			return nil, err
		}
		manifest.Shards = append(manifest.Shards, meta)
	}

	manifest.Complete = true
	if err := writeManifest(c.staging, c.dir, datasetRef, manifest); err != nil {
		return nil, err
	}
	logging.Info("Conversion of %q complete: %d shards verified", datasetRef, shardCount)
	return manifest, nil
}

// Existing returns the manifest for datasetRef if it is complete and still
// matches the current source checksum, or nil if conversion must run.
func (c *Converter) Existing(datasetRef string) (*Manifest, error) {
	m, err := LoadManifest(c.staging, c.dir, datasetRef)
	if err != nil || m == nil {
		return nil, err
	}
	sum, err := c.sourceChecksum(datasetRef)
	if err != nil {
		return nil, err
	}
	if !m.Fresh(sum) {
		return nil, nil
	}
	return m, nil
}

func (c *Converter) readSource(datasetRef string) ([]record, string, error) {
	data, err := afero.ReadFile(c.source, datasetRef)
	if err != nil {
		return nil, "", faults.Wrapf(faults.DataIntegrity, ErrSourceUnreadable, "dataset %q: %v", datasetRef, err)
	}

	var recs []record
	var offset int64
	for _, line := range bytes.Split(data, []byte("\n")) {
		length := int64(len(line))
		if length > 0 {
			recs = append(recs, record{offset: offset, data: line})
		}
		offset += length + 1
	}
	if len(recs) == 0 {
		return nil, "", faults.Wrapf(faults.DataIntegrity, ErrSourceUnreadable, "dataset %q contains no records", datasetRef)
	}

	sum := sha256.Sum256(data)
	return recs, hex.EncodeToString(sum[:]), nil
}

func (c *Converter) sourceChecksum(datasetRef string) (string, error) {
	data, err := afero.ReadFile(c.source, datasetRef)
	if err != nil {
		return "", faults.Wrapf(faults.DataIntegrity, ErrSourceUnreadable, "dataset %q: %v", datasetRef, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Converter) shardPath(datasetRef string, index, count int) string {
	return path.Join(c.dir, fmt.Sprintf("%s-%05d-of-%05d.rec", path.Base(datasetRef), index, count))
}

func (c *Converter) writeShard(datasetRef string, index, count int, recs []record) (ShardMeta, error) {
	var buf bytes.Buffer
	for _, r := range recs {
		if err := writeFrame(&buf, r.data); err != nil {
			return ShardMeta{}, fmt.Errorf("failed to serialize shard %d of %q: %w", index, datasetRef, err)
		}
	}
	sum := sha256.Sum256(buf.Bytes())
	checksum := hex.EncodeToString(sum[:])

	meta := ShardMeta{
		Index:       index,
		StartOffset: recs[0].offset,
		EndOffset:   recs[len(recs)-1].offset + int64(len(recs[len(recs)-1].data)),
		Path:        c.shardPath(datasetRef, index, count),
		Checksum:    checksum,
		Records:     len(recs),
	}

	// A shard left over from a prior attempt is kept only if its content
	// matches the expected checksum; anything else is a partial write and
	// gets deleted and rewritten.
	if existing, err := afero.ReadFile(c.staging, meta.Path); err == nil {
		existingSum := sha256.Sum256(existing)
		if hex.EncodeToString(existingSum[:]) == checksum {
			return meta, nil
		}
		logging.Warn("Partial write detected in %q, deleting and rewriting", meta.Path)
		if err := c.staging.Remove(meta.Path); err != nil {
			return ShardMeta{}, faults.Wrapf(faults.DataIntegrity, ErrPartialWrite, "cannot remove corrupted shard %q: %v", meta.Path, err)
		}
	}

	tmp := meta.Path + ".tmp"
	if err := afero.WriteFile(c.staging, tmp, buf.Bytes(), 0644); err != nil {
		return ShardMeta{}, classifyWriteErr(err, tmp)
	}
	if err := renameOver(c.staging, tmp, meta.Path); err != nil {
		return ShardMeta{}, classifyWriteErr(err, meta.Path)
	}

	// Verify against a fresh read of the written file before trusting it.
	written, err := afero.ReadFile(c.staging, meta.Path)
	if err != nil {
		return ShardMeta{}, fmt.Errorf("failed to re-read shard %q for verification: %w", meta.Path, err)
	}
	writtenSum := sha256.Sum256(written)
	if hex.EncodeToString(writtenSum[:]) != checksum {
		return ShardMeta{}, faults.Wrapf(faults.DataIntegrity, ErrPartialWrite, "shard %q checksum mismatch after write", meta.Path)
	}
	return meta, nil
}

// VerifyShard recomputes a shard's checksum and frame CRCs against its
// manifest entry.
func VerifyShard(fs afero.Fs, meta ShardMeta) error {
	data, err := afero.ReadFile(fs, meta.Path)
	if err != nil {
		return fmt.Errorf("failed to read shard %q: %w", meta.Path, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return faults.Wrapf(faults.DataIntegrity, ErrPartialWrite, "shard %q checksum mismatch", meta.Path)
	}
	n, err := countFrames(bytes.NewReader(data))
	if err != nil {
		return faults.Wrapf(faults.DataIntegrity, ErrPartialWrite, "shard %q framing invalid: %v", meta.Path, err)
	}
	if n != meta.Records {
		return faults.Newf(faults.DataIntegrity, "shard %q holds %d records, manifest says %d", meta.Path, n, meta.Records)
	}
	return nil
}

func classifyWriteErr(err error, target string) error {
	if stderrors.Is(err, syscall.ENOSPC) {
		return faults.Wrapf(faults.ResourceExhaustion, ErrInsufficientStorage, "writing %q: %v", target, err)
	}
	return fmt.Errorf("failed to write %q: %w", target, err)
}
