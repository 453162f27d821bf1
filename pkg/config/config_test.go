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

package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestLoadMergesOverDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	yaml := `
project: acme-ml
zone: europe-west4-a
tpu_type: v3-32
shard_size: 500
wall_clock_budget: "90m"
heartbeat_interval: "10s"
`
	if err := afero.WriteFile(fs, "config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs, "config.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Project != "acme-ml" || cfg.Zone != "europe-west4-a" || cfg.TPUType != "v3-32" {
		t.Errorf("placement not taken from file: %+v", cfg)
	}
	if cfg.ShardSize != 500 {
		t.Errorf("shard_size = %d, want 500", cfg.ShardSize)
	}
	if cfg.WallClockBudget.Std() != 90*time.Minute {
		t.Errorf("wall_clock_budget = %s, want 90m", cfg.WallClockBudget.Std())
	}
	if cfg.HeartbeatInterval.Std() != 10*time.Second {
		t.Errorf("heartbeat_interval = %s, want 10s", cfg.HeartbeatInterval.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.Network != "default" || cfg.MaxAttempts != 3 {
		t.Errorf("defaults lost during merge: %+v", cfg)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "config.yaml", []byte("stall_threshold: \"soon\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(fs, "config.yaml"); err == nil {
		t.Fatal("Load accepted an unparseable duration")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("PROJECT", "env-project")
	t.Setenv("TPU_TYPE", "v2-32")
	t.Setenv("PREEMPTIBLE_TPU", "true")
	t.Setenv("SHARD_SIZE", "100")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Project != "env-project" {
		t.Errorf("Project = %q, want env-project", cfg.Project)
	}
	if cfg.TPUType != "v2-32" {
		t.Errorf("TPUType = %q, want v2-32", cfg.TPUType)
	}
	if !cfg.PreemptibleTPU {
		t.Errorf("PreemptibleTPU not taken from environment")
	}
	if cfg.ShardSize != 100 {
		t.Errorf("ShardSize = %d, want 100", cfg.ShardSize)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := Default()
	bad.Project = ""
	if err := bad.Validate(); err == nil {
		t.Errorf("empty project accepted")
	}

	bad = Default()
	bad.ShardSize = 0
	if err := bad.Validate(); err == nil {
		t.Errorf("zero shard size accepted")
	}

	bad = Default()
	bad.MaxAttempts = -1
	if err := bad.Validate(); err == nil {
		t.Errorf("negative max attempts accepted")
	}
}
