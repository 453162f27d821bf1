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
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ShardMeta describes one immutable shard of a converted dataset.
type ShardMeta struct {
	Index       int    `yaml:"index"`
	StartOffset int64  `yaml:"start_offset"`
	EndOffset   int64  `yaml:"end_offset"`
	Path        string `yaml:"path"`
	Checksum    string `yaml:"checksum"`
	Records     int    `yaml:"records"`
}

// Manifest records the complete shard set for a dataset. It is produced by
// the converter and read-only for everyone else.
type Manifest struct {
	Dataset        string      `yaml:"dataset"`
	SourceChecksum string      `yaml:"source_checksum"`
	ShardSize      int         `yaml:"shard_size"`
	Shards         []ShardMeta `yaml:"shards"`
	Complete       bool        `yaml:"complete"`
}

// Fresh reports whether the manifest describes a finished conversion of the
// source identified by sourceChecksum.
func (m *Manifest) Fresh(sourceChecksum string) bool {
	return m != nil && m.Complete && m.SourceChecksum == sourceChecksum
}

func manifestPath(dir, datasetRef string) string {
	return path.Join(dir, path.Base(datasetRef)+".manifest.yaml")
}

// LoadManifest reads a manifest from staging storage. A missing manifest is
// reported as (nil, nil), not an error.
func LoadManifest(fs afero.Fs, dir, datasetRef string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, manifestPath(dir, datasetRef))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest for %q: %w", datasetRef, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %q: %w", datasetRef, err)
	}
	return &m, nil
}

func writeManifest(fs afero.Fs, dir, datasetRef string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for %q: %w", datasetRef, err)
	}
	target := manifestPath(dir, datasetRef)
	tmp := target + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return classifyWriteErr(err, tmp)
	}
	if err := renameOver(fs, tmp, target); err != nil {
		return classifyWriteErr(err, target)
	}
	return nil
}

// renameOver renames tmp onto target, replacing target if the filesystem's
// Rename refuses to overwrite.
func renameOver(fs afero.Fs, tmp, target string) error {
	if err := fs.Rename(tmp, target); err == nil {
		return nil
	}
	if err := fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return fs.Rename(tmp, target)
}
