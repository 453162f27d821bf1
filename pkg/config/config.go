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

// Package config holds the run configuration for the toolkit. A run is
// configured from three layers, lowest precedence first: built-in defaults,
// an optional YAML file, and environment variables. CLI flags override all
// three and are applied by the cmd package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config describes one training run end to end.
type Config struct {
	// Cloud placement.
	Project string `yaml:"project"`
	Network string `yaml:"network"`
	Zone    string `yaml:"zone"`

	// Accelerator node.
	TPUType        string `yaml:"tpu_type"`
	Framework      string `yaml:"framework"`
	PreemptibleTPU bool   `yaml:"preemptible_tpu"`
	ReservedTPU    bool   `yaml:"reserved_tpu"`

	// Storage.
	StorageLocation string `yaml:"storage_location"`
	DataDir         string `yaml:"data_dir"`
	OutputDir       string `yaml:"output_dir"`
	StagingDir      string `yaml:"staging_dir"`

	// Conversion.
	Dataset   string `yaml:"dataset"`
	ShardSize int    `yaml:"shard_size"`

	// Orchestration policy.
	MaxAttempts         int      `yaml:"max_attempts"`
	WallClockBudget     Duration `yaml:"wall_clock_budget"`
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	StallThreshold      Duration `yaml:"stall_threshold"`
	ProvisioningTimeout Duration `yaml:"provisioning_timeout"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Project:             "my-project",
		Network:             "default",
		Zone:                "us-central1-c",
		TPUType:             "v2-8",
		Framework:           "1.14",
		StorageLocation:     "us-central1",
		DataDir:             "data/",
		OutputDir:           "output/",
		StagingDir:          "staging/",
		ShardSize:           250,
		MaxAttempts:         3,
		WallClockBudget:     Duration(6 * time.Hour),
		HeartbeatInterval:   Duration(30 * time.Second),
		StallThreshold:      Duration(10 * time.Minute),
		ProvisioningTimeout: Duration(15 * time.Minute),
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment variables the original
// container image was driven by.
func (c *Config) ApplyEnv() {
	setString(&c.Project, "PROJECT")
	setString(&c.Network, "NETWORK")
	setString(&c.Zone, "ZONE")
	setString(&c.TPUType, "TPU_TYPE")
	setString(&c.Framework, "FRAMEWORK")
	setString(&c.StorageLocation, "STORAGE_LOCATION")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.OutputDir, "OUTPUT_DIR")
	setString(&c.Dataset, "DATASET")
	setBool(&c.PreemptibleTPU, "PREEMPTIBLE_TPU")
	setBool(&c.ReservedTPU, "RESERVED_TPU")
	setInt(&c.ShardSize, "SHARD_SIZE")
	setInt(&c.MaxAttempts, "MAX_ATTEMPTS")
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project must not be empty")
	}
	if c.Zone == "" {
		return fmt.Errorf("zone must not be empty")
	}
	if c.ShardSize <= 0 {
		return fmt.Errorf("shard_size must be positive, got %d", c.ShardSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
