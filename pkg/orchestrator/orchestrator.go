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

// Package orchestrator drives a training job end to end: convert the
// dataset if its shards are stale, acquire an accelerator, submit the
// training process, watch its heartbeat, and always tear the resource down
// before recording the outcome.
package orchestrator

import (
	"context"
	"time"

	"tpu-toolkit/pkg/faults"
	"tpu-toolkit/pkg/records"
	"tpu-toolkit/pkg/tpu"
)

// JobState is the orchestration phase of one training job. Transitions are
// monotonic; the only regression allowed is Running back to Submitting on an
// explicit phase retry.
type JobState string

const (
	StatePending           JobState = "Pending"
	StateConverting        JobState = "Converting"
	StateAcquiringResource JobState = "AcquiringResource"
	StateSubmitting        JobState = "Submitting"
	StateRunning           JobState = "Running"
	StateTearingDown       JobState = "TearingDown"
	StateSucceeded         JobState = "Succeeded"
	StateFailed            JobState = "Failed"
	StateCancelled         JobState = "Cancelled"
)

// Terminal reports whether the job has reached its final outcome.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// JobDefinition holds all the necessary parameters to define a job.
// This struct is intended to be general enough to support various trainers,
// with specific trainer implementations extracting the fields relevant to
// them.
type JobDefinition struct {
	Name      string
	Dataset   string
	ShardSize int

	// Node describes the accelerator to provision. The node name is
	// derived from the job id at acquisition time.
	Node tpu.NodeSpec

	// Hyperparameters are passed through to the trainer unmodified.
	Hyperparameters map[string]string

	OutputDir string

	MaxAttempts       int
	WallClockBudget   time.Duration
	HeartbeatInterval time.Duration
	StallThreshold    time.Duration
}

// JobRecord is the operator-visible status of one job. It carries enough to
// distinguish "failed, billing clean" from "failed, possible leak".
type JobRecord struct {
	ID       string
	Name     string
	State    JobState
	Attempts int

	Started  time.Time
	Finished time.Time

	NodeID            string
	FaultKind         faults.Kind
	Err               string
	TeardownConfirmed bool
}

// Progress is one heartbeat observation from the training side.
type Progress struct {
	Done    bool
	Failed  bool
	Step    int64
	At      time.Time
	Message string
}

// TrainingHandle is a live training process on the acquired node.
type TrainingHandle interface {
	// Heartbeat returns the latest progress observation. An error means the
	// training side could not be reached, not that training failed.
	Heartbeat(ctx context.Context) (Progress, error)

	// Stop terminates the training process. Idempotent.
	Stop(ctx context.Context) error
}

// Trainer submits the training process against an acquired node. The
// numeric training logic is opaque to the orchestrator.
type Trainer interface {
	Start(ctx context.Context, job JobDefinition, manifest *records.Manifest, node *tpu.Node) (TrainingHandle, error)
}

// ResourceManager is the accelerator lifecycle surface the orchestrator
// needs; *tpu.Manager satisfies it.
type ResourceManager interface {
	Acquire(ctx context.Context, spec tpu.NodeSpec, ownerJob string) (*tpu.Node, error)
	Poll(ctx context.Context, id string) (tpu.NodeState, error)
	VerifyUsable(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// DatasetConverter prepares a dataset's shards; *records.Converter
// satisfies it.
type DatasetConverter interface {
	Convert(datasetRef string, targetShardSize int) (*records.Manifest, error)
	Existing(datasetRef string) (*records.Manifest, error)
}

// Orchestrator runs training jobs to a terminal outcome.
type Orchestrator interface {
	Run(ctx context.Context, job JobDefinition) (*JobRecord, error)
}
