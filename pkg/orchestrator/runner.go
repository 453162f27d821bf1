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

package orchestrator

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"tpu-toolkit/pkg/faults"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/records"
	"tpu-toolkit/pkg/staging"
	"tpu-toolkit/pkg/tpu"
)

// RunnerConfig holds the runner's own knobs; per-job knobs live on the
// JobDefinition.
type RunnerConfig struct {
	// TeardownTimeout bounds the release step. Teardown runs on a detached
	// context so cancellation of the job cannot skip it.
	TeardownTimeout time.Duration
}

// DefaultRunnerConfig returns the production teardown policy.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{TeardownTimeout: 5 * time.Minute}
}

// Runner drives jobs through the orchestration state machine. Safe for
// concurrent use; each job owns its own lease and shard paths.
type Runner struct {
	resources ResourceManager
	converter DatasetConverter
	trainer   Trainer
	cfg       RunnerConfig

	// store mirrors shards to the staging bucket before submission; nil
	// for local runs where the trainer reads shards directly.
	store   staging.Store
	shardFs afero.Fs
}

// NewRunner wires the orchestrator's collaborators together. store may be
// nil; shardFs is the filesystem the converter wrote shards to and is only
// consulted when store is set.
func NewRunner(resources ResourceManager, converter DatasetConverter, trainer Trainer, store staging.Store, shardFs afero.Fs, cfg RunnerConfig) *Runner {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultRunnerConfig().TeardownTimeout
	}
	return &Runner{
		resources: resources,
		converter: converter,
		trainer:   trainer,
		store:     store,
		shardFs:   shardFs,
		cfg:       cfg,
	}
}

// Run executes one job to a terminal outcome. The returned record is always
// non-nil; the error is nil only when the job succeeded.
func (r *Runner) Run(ctx context.Context, job JobDefinition) (*JobRecord, error) {
	job = withDefaults(job)
	rec := &JobRecord{
		ID:      uuid.NewString(),
		Name:    job.Name,
		State:   StatePending,
		Started: time.Now(),
	}
	jobsRunning.Inc()
	defer jobsRunning.Dec()
	logging.Info("Job %s (%q) accepted: dataset %q on %s", rec.ID, job.Name, job.Dataset, job.Node.AcceleratorType)

	deadline := rec.Started.Add(job.WallClockBudget)

	manifest, err := r.prepareShards(rec, job)
	if err != nil {
		return r.conclude(rec, job, nil, err)
	}
	if err := ctx.Err(); err != nil {
		return r.conclude(rec, job, nil, faults.Wrap(faults.Cancelled, err))
	}

	r.transition(rec, StateAcquiringResource)
	node, err := r.resources.Acquire(ctx, r.nodeSpec(job, rec), rec.ID)
	if err != nil {
		// A non-nil node means creation was submitted but never confirmed;
		// teardown must still run to guard against partial provisioning.
		return r.conclude(rec, job, node, faults.Wrapf(faults.KindOf(err), err, "resource unavailable"))
	}
	rec.NodeID = node.ID

	if err := r.stage(ctx, rec, job, manifest, node); err != nil {
		return r.conclude(rec, job, node, err)
	}

	var lastErr error
	for attempt := 1; attempt <= job.MaxAttempts; attempt++ {
		rec.Attempts = attempt
		if attempt > 1 {
			phaseRetries.Inc()
			node, err = r.ensureNode(ctx, rec, job, node)
			if err != nil {
				return r.conclude(rec, job, node, err)
			}
		}

		r.transition(rec, StateSubmitting)
		handle, err := r.trainer.Start(ctx, job, manifest, node)
		if err != nil {
			if ctx.Err() != nil {
				return r.conclude(rec, job, node, faults.Wrap(faults.Cancelled, ctx.Err()))
			}
			lastErr = err
			logging.Warn("Job %s attempt %d: submission failed: %v", rec.ID, attempt, err)
			continue
		}

		r.transition(rec, StateRunning)
		err = r.watch(ctx, rec, job, node, handle, deadline)
		if err == nil {
			return r.conclude(rec, job, node, nil)
		}
		lastErr = err
		switch faults.KindOf(err) {
		case faults.Cancelled:
			return r.conclude(rec, job, node, err)
		case faults.Timeout:
			// A stalled heartbeat is retried like any attempt failure; an
			// exhausted wall-clock budget is not.
			if time.Now().After(deadline) {
				return r.conclude(rec, job, node, err)
			}
		}
		logging.Warn("Job %s attempt %d/%d failed: %v", rec.ID, attempt, job.MaxAttempts, err)
	}

	return r.conclude(rec, job, node,
		faults.Wrapf(faults.KindOf(lastErr), lastErr, "attempt budget of %d exhausted", job.MaxAttempts))
}

// RunAll executes the jobs concurrently, one worker per job, and returns
// records in input order.
func (r *Runner) RunAll(ctx context.Context, jobs []JobDefinition) []*JobRecord {
	recs := make([]*JobRecord, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job JobDefinition) {
			defer wg.Done()
			rec, err := r.Run(ctx, job)
			if err != nil {
				logging.Error("Job %s (%q) finished %s: %v", rec.ID, job.Name, rec.State, err)
			}
			recs[i] = rec
		}(i, job)
	}
	wg.Wait()
	return recs
}

// prepareShards skips conversion when a complete, fresh manifest already
// exists; conversion failures are terminal because they usually indicate a
// data problem rather than a network blip.
func (r *Runner) prepareShards(rec *JobRecord, job JobDefinition) (*records.Manifest, error) {
	manifest, err := r.converter.Existing(job.Dataset)
	if err != nil {
		logging.Warn("Job %s: could not check existing shards for %q: %v", rec.ID, job.Dataset, err)
	}
	if manifest != nil {
		logging.Info("Job %s: shards for %q are complete and fresh, skipping conversion", rec.ID, job.Dataset)
		return manifest, nil
	}

	r.transition(rec, StateConverting)
	manifest, err = r.converter.Convert(job.Dataset, job.ShardSize)
	if err != nil {
		return nil, faults.Wrapf(faults.KindOf(err), err, "conversion of %q failed", job.Dataset)
	}
	return manifest, nil
}

// stage mirrors the shards into the job's staging prefix and grants the
// node's service account read access. No-op without a store.
func (r *Runner) stage(ctx context.Context, rec *JobRecord, job JobDefinition, manifest *records.Manifest, node *tpu.Node) error {
	if r.store == nil || len(manifest.Shards) == 0 {
		return nil
	}
	if err := r.store.EnsureBucket(ctx); err != nil {
		return err
	}
	dir := filepath.Dir(manifest.Shards[0].Path)
	if err := r.store.UploadDir(ctx, r.shardFs, dir, dataPrefix(rec)); err != nil {
		return err
	}
	if err := r.store.GrantReadAccess(ctx, node.ServiceAccount); err != nil {
		return err
	}
	logging.Info("Job %s: staged %d shards under %s", rec.ID, len(manifest.Shards), dataPrefix(rec))
	return nil
}

// watch polls the heartbeat and the node's health until training completes,
// stalls, fails, or runs out of budget.
func (r *Runner) watch(ctx context.Context, rec *JobRecord, job JobDefinition, node *tpu.Node, handle TrainingHandle, deadline time.Time) error {
	ticker := time.NewTicker(job.HeartbeatInterval)
	defer ticker.Stop()

	lastBeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.stopQuietly(handle)
			return faults.Wrap(faults.Cancelled, ctx.Err())
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			r.stopQuietly(handle)
			return faults.Newf(faults.Timeout, "wall-clock budget of %s exceeded", job.WallClockBudget)
		}

		progress, err := handle.Heartbeat(ctx)
		switch {
		case err != nil:
			logging.Debug("Job %s: heartbeat unreachable: %v", rec.ID, err)
		case progress.Done && progress.Failed:
			r.stopQuietly(handle)
			return faults.Newf(faults.Transient, "training reported failure: %s", progress.Message)
		case progress.Done:
			logging.Info("Job %s: training completed at step %d", rec.ID, progress.Step)
			return nil
		case progress.At.After(lastBeat):
			lastBeat = progress.At
		case progress.At.IsZero():
			// Reachable but reporting no timestamps still counts as alive.
			lastBeat = time.Now()
		}

		if time.Since(lastBeat) > job.StallThreshold {
			r.stopQuietly(handle)
			return faults.Newf(faults.Timeout, "no training progress for more than %s", job.StallThreshold)
		}

		state, perr := r.resources.Poll(ctx, node.ID)
		if perr != nil {
			logging.Debug("Job %s: node poll failed: %v", rec.ID, perr)
			continue
		}
		if state == tpu.StateFailed || state == tpu.StateDeleting || state.Terminal() {
			r.stopQuietly(handle)
			return faults.Newf(faults.Transient, "node %s entered %s during training", node.ID, state)
		}
	}
}

// ensureNode re-uses the held node when it is still usable and otherwise
// replaces it, releasing the old lease first.
func (r *Runner) ensureNode(ctx context.Context, rec *JobRecord, job JobDefinition, node *tpu.Node) (*tpu.Node, error) {
	if node != nil {
		usable, err := r.resources.VerifyUsable(ctx, node.ID)
		if err == nil && usable {
			return node, nil
		}
		logging.Warn("Job %s: node %s no longer usable, replacing it", rec.ID, node.ID)
		if relErr := r.releaseDetached(rec, node.ID); relErr != nil {
			logging.Error("Job %s: release of unusable node %s not confirmed: %v", rec.ID, node.ID, relErr)
		}
	}

	fresh, err := r.resources.Acquire(ctx, r.nodeSpec(job, rec), rec.ID)
	if err != nil {
		return fresh, faults.Wrapf(faults.KindOf(err), err, "resource unavailable")
	}
	rec.NodeID = fresh.ID
	return fresh, nil
}

// conclude always runs teardown before recording the terminal outcome. A
// release failure never flips a success into a failure; it surfaces as a
// leak alert from the resource manager instead.
func (r *Runner) conclude(rec *JobRecord, job JobDefinition, node *tpu.Node, cause error) (*JobRecord, error) {
	r.transition(rec, StateTearingDown)
	if node != nil {
		err := r.releaseDetached(rec, node.ID)
		rec.TeardownConfirmed = err == nil
		if err != nil {
			logging.Error("Job %s: teardown of node %s not confirmed: %v", rec.ID, node.ID, err)
		}
	} else {
		rec.TeardownConfirmed = true
	}

	rec.Finished = time.Now()
	switch {
	case cause == nil:
		rec.State = StateSucceeded
		r.collectOutputs(rec, job)
	case faults.KindOf(cause) == faults.Cancelled:
		rec.State = StateCancelled
		rec.FaultKind = faults.Cancelled
		rec.Err = cause.Error()
	default:
		rec.State = StateFailed
		rec.FaultKind = faults.KindOf(cause)
		rec.Err = cause.Error()
	}
	jobsCompleted.WithLabelValues(string(rec.State)).Inc()
	logging.Info("Job %s finished: state=%s attempts=%d teardownConfirmed=%t", rec.ID, rec.State, rec.Attempts, rec.TeardownConfirmed)
	return rec, cause
}

// collectOutputs pulls the job's output prefix into the local output
// directory and deletes the staged input shards, which are reproducible from
// the source dataset. The output prefix itself is retained.
func (r *Runner) collectOutputs(rec *JobRecord, job JobDefinition) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
	defer cancel()
	if job.OutputDir != "" {
		if err := r.store.DownloadPrefix(ctx, r.shardFs, OutputPrefix(rec), job.OutputDir); err != nil {
			logging.Warn("Job %s: could not download outputs: %v", rec.ID, err)
		}
	}
	if err := r.store.DeletePrefix(ctx, dataPrefix(rec), false); err != nil {
		logging.Warn("Job %s: could not drop staged data prefix: %v", rec.ID, err)
	}
}

// releaseDetached releases on a context independent of the job's, so
// cancellation cannot skip teardown.
func (r *Runner) releaseDetached(rec *JobRecord, nodeID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
	defer cancel()
	return r.resources.Release(ctx, nodeID)
}

func (r *Runner) stopQuietly(handle TrainingHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		logging.Debug("Stopping training process failed: %v", err)
	}
}

func (r *Runner) transition(rec *JobRecord, next JobState) {
	logging.Debug("Job %s: %s -> %s", rec.ID, rec.State, next)
	rec.State = next
}

func (r *Runner) nodeSpec(job JobDefinition, rec *JobRecord) tpu.NodeSpec {
	spec := job.Node
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("tpu-%.8s", rec.ID)
	}
	return spec
}

func dataPrefix(rec *JobRecord) string {
	return path.Join("jobs", rec.ID, "data")
}

// OutputPrefix is where the trainer is told to write checkpoints and
// summaries for this job; it is retained after success.
func OutputPrefix(rec *JobRecord) string {
	return path.Join("jobs", rec.ID, "output")
}

func withDefaults(job JobDefinition) JobDefinition {
	if job.ShardSize <= 0 {
		job.ShardSize = 250
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.WallClockBudget <= 0 {
		job.WallClockBudget = 6 * time.Hour
	}
	if job.HeartbeatInterval <= 0 {
		job.HeartbeatInterval = 30 * time.Second
	}
	if job.StallThreshold <= 0 {
		job.StallThreshold = 10 * time.Minute
	}
	return job
}
