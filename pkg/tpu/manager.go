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

package tpu

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"tpu-toolkit/pkg/faults"
	"tpu-toolkit/pkg/logging"
)

// ManagerConfig bounds every wait the manager performs.
type ManagerConfig struct {
	// ProvisioningTimeout bounds the wait for a created node to reach Ready.
	ProvisioningTimeout time.Duration

	// PollInterval is the cadence of readiness and health checks.
	PollInterval time.Duration

	// MaxReadyAge is how long a Ready node is trusted without a fresh
	// health confirmation before it must be re-verified.
	MaxReadyAge time.Duration

	// AcquireBackoff bounds retries of transient creation failures.
	AcquireBackoff wait.Backoff

	// ReleaseBackoff bounds retries of deletion failures.
	ReleaseBackoff wait.Backoff
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() ManagerConfig {
	return ManagerConfig{
		ProvisioningTimeout: 15 * time.Minute,
		PollInterval:        30 * time.Second,
		MaxReadyAge:         10 * time.Minute,
		AcquireBackoff:      wait.Backoff{Steps: 5, Duration: 2 * time.Second, Factor: 2.0, Cap: 60 * time.Second},
		ReleaseBackoff:      wait.Backoff{Steps: 4, Duration: time.Second, Factor: 2.0, Cap: 30 * time.Second},
	}
}

// Manager owns the remote lifecycle of accelerator nodes and keeps a local
// ledger of leases. Safe for concurrent use across jobs.
type Manager struct {
	provider Provider
	cfg      ManagerConfig
	alerts   AlertSink

	mu    sync.Mutex
	nodes map[string]*Node
}

// NewManager returns a manager on top of the given provider. alerts may be
// nil if the caller has no operator sink.
func NewManager(provider Provider, cfg ManagerConfig, alerts AlertSink) *Manager {
	return &Manager{
		provider: provider,
		cfg:      cfg,
		alerts:   alerts,
		nodes:    map[string]*Node{},
	}
}

// Acquire provisions a node for ownerJob and waits for it to reach Ready.
// Transient creation failures are retried with exponential backoff up to the
// configured attempt count; quota and invalid-spec failures surface
// immediately with zero retries. A non-nil node may accompany an error when
// creation was submitted but readiness never confirmed, so the caller can
// still release it.
func (m *Manager) Acquire(ctx context.Context, spec NodeSpec, ownerJob string) (*Node, error) {
	backoff := m.cfg.AcquireBackoff
	var node *Node

	for attempt := 1; ; attempt++ {
		var err error
		node, err = m.provider.CreateNode(ctx, spec)
		if err == nil {
			break
		}
		switch faults.KindOf(err) {
		case faults.ResourceExhaustion, faults.DataIntegrity:
			return nil, err
		}
		if attempt >= m.cfg.AcquireBackoff.Steps {
			return nil, faults.Wrapf(faults.Transient, err, "tpu: creation of %q exhausted %d attempts", spec.Name, attempt)
		}
		delay := backoff.Step()
		logging.Warn("Transient failure creating TPU node %q (attempt %d): %v; retrying in %s", spec.Name, attempt, err, delay)
		select {
		case <-ctx.Done():
			return nil, faults.Wrap(faults.Cancelled, ctx.Err())
		case <-time.After(delay):
		}
	}

	node.State = StateProvisioning
	node.OwnerJob = ownerJob
	m.record(node)
	logging.Info("TPU node %q creation submitted, waiting up to %s for Ready", node.ID, m.cfg.ProvisioningTimeout)

	if err := m.waitReady(ctx, node); err != nil {
		return node, err
	}

	m.mu.Lock()
	node.State = StateInUse
	node.OwnerJob = ownerJob
	node.LastHealthy = time.Now()
	m.mu.Unlock()
	logging.Info("TPU node %q is ready and leased to job %q", node.ID, ownerJob)
	return node, nil
}

func (m *Manager) waitReady(ctx context.Context, node *Node) error {
	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.ProvisioningTimeout)
	defer cancel()

	err := wait.PollUntilContextCancel(pollCtx, m.cfg.PollInterval, true, func(ctx context.Context) (bool, error) {
		cur, err := m.provider.DescribeNode(ctx, node.ID)
		if err != nil {
			if faults.IsTransient(err) {
				logging.Debug("Transient describe failure for %q: %v", node.ID, err)
				return false, nil
			}
			return false, err
		}
		m.mergeObservation(node, cur)
		switch cur.State {
		case StateReady:
			return true, nil
		case StateFailed, StateDeleting, StateDeleted:
			return false, faults.Newf(faults.Transient, "tpu: node %q entered %s during provisioning", node.ID, cur.State)
		}
		return false, nil
	})
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) {
		if ctx.Err() != nil {
			return faults.Wrap(faults.Cancelled, ctx.Err())
		}
		return faults.Newf(faults.Timeout, "tpu: node %q not Ready within %s", node.ID, m.cfg.ProvisioningTimeout)
	}
	return err
}

// Poll is a cheap read-only status check. It never mutates the remote
// resource; it only refreshes the ledger's view of it.
func (m *Manager) Poll(ctx context.Context, id string) (NodeState, error) {
	cur, err := m.provider.DescribeNode(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			m.setState(id, StateDeleted)
			return StateDeleted, nil
		}
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	known := m.nodes[id]
	state := cur.State
	if known != nil {
		known.Endpoint = cur.Endpoint
		known.ServiceAccount = cur.ServiceAccount
		// A leased node that the provider reports Ready is InUse from the
		// orchestrator's point of view.
		if cur.State == StateReady && known.OwnerJob != "" {
			state = StateInUse
		}
		known.State = state
		if state == StateReady || state == StateInUse {
			known.LastHealthy = time.Now()
		}
	}
	return state, nil
}

// VerifyUsable re-checks a leased node before it is reused for another
// attempt. A node whose last health confirmation is older than MaxReadyAge
// is re-verified against the provider rather than trusted.
func (m *Manager) VerifyUsable(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	known := m.nodes[id]
	var stale bool
	if known == nil {
		m.mu.Unlock()
		return false, nil
	}
	stale = time.Since(known.LastHealthy) > m.cfg.MaxReadyAge
	state := known.State
	m.mu.Unlock()

	if !stale && (state == StateReady || state == StateInUse) {
		return true, nil
	}
	if state.Terminal() || state == StateFailed || state == StateDeleting {
		return false, nil
	}

	logging.Debug("TPU node %q health confirmation is stale, re-verifying", id)
	cur, err := m.Poll(ctx, id)
	if err != nil {
		return false, err
	}
	return cur == StateReady || cur == StateInUse, nil
}

// Release tears the node down. It is idempotent: releasing an already
// deleted or unknown node is a no-op success, because teardown runs twice on
// crash-recovery paths. After exhausting delete retries the node is recorded
// DeletedUnconfirmed, a leak alert is raised, and the returned error carries
// the Unconfirmed kind so callers can log without failing the job.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	known := m.nodes[id]
	if known != nil {
		if known.State == StateDeleted {
			m.mu.Unlock()
			return nil
		}
		known.State = StateDeleting
	}
	m.mu.Unlock()

	backoff := m.cfg.ReleaseBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ReleaseBackoff.Steps; attempt++ {
		lastErr = m.provider.DeleteNode(ctx, id)
		if lastErr == nil || IsNotFound(lastErr) {
			m.finishRelease(id)
			return nil
		}
		if attempt < m.cfg.ReleaseBackoff.Steps {
			delay := backoff.Step()
			logging.Warn("Failed to delete TPU node %q (attempt %d): %v; retrying in %s", id, attempt, lastErr, delay)
			select {
			case <-ctx.Done():
				// Even on cancellation the unconfirmed deletion must be
				// surfaced, not silently dropped.
				m.markUnconfirmed(id, lastErr)
				return faults.Wrapf(faults.Unconfirmed, lastErr, "tpu: deletion of %q interrupted", id)
			case <-time.After(delay):
			}
		}
	}

	m.markUnconfirmed(id, lastErr)
	return faults.Wrapf(faults.Unconfirmed, lastErr, "tpu: deletion of %q unconfirmed after %d attempts", id, m.cfg.ReleaseBackoff.Steps)
}

// Reclaim sweeps the provider for toolkit-managed nodes with no live lease
// and deletes them. Returns the IDs it attempted to reclaim.
func (m *Manager) Reclaim(ctx context.Context) ([]string, error) {
	nodes, err := m.provider.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, n := range nodes {
		if n.Labels[ManagedByLabel] != ManagedByValue {
			continue
		}
		m.mu.Lock()
		known := m.nodes[n.ID]
		leased := known != nil && known.OwnerJob != "" && !known.State.Terminal()
		m.mu.Unlock()
		if leased {
			continue
		}

		logging.Warn("Reclaiming orphaned TPU node %q (owner label %q)", n.ID, n.Labels[OwnerJobLabel])
		if m.alerts != nil {
			m.alerts.LeakDetected(LeakAlert{
				ResourceID: n.ID,
				OwnerJob:   n.Labels[OwnerJobLabel],
				Reason:     "orphaned node with no live lease",
				Time:       time.Now(),
			})
		}
		reclaimed = append(reclaimed, n.ID)
		if err := m.Release(ctx, n.ID); err != nil {
			logging.Error("Failed to reclaim TPU node %q: %v", n.ID, err)
		}
	}
	return reclaimed, nil
}

// Node labels identifying toolkit-managed resources and their owning job.
const (
	ManagedByLabel = "managed-by"
	ManagedByValue = "tpu-toolkit"
	OwnerJobLabel  = "owner-job"
)

func (m *Manager) record(node *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
}

func (m *Manager) setState(id string, state NodeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.nodes[id]; n != nil {
		n.State = state
	}
}

func (m *Manager) finishRelease(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[id]
	if n == nil {
		n = &Node{ID: id}
		m.nodes[id] = n
	}
	n.State = StateDeleted
	n.OwnerJob = ""
}

func (m *Manager) markUnconfirmed(id string, cause error) {
	m.mu.Lock()
	n := m.nodes[id]
	owner := ""
	if n == nil {
		n = &Node{ID: id}
		m.nodes[id] = n
	}
	owner = n.OwnerJob
	n.State = StateDeletedUnconfirmed
	m.mu.Unlock()

	logging.Error("Deletion of TPU node %q unconfirmed, possible billing leak: %v", id, cause)
	if m.alerts != nil {
		m.alerts.LeakDetected(LeakAlert{
			ResourceID: id,
			OwnerJob:   owner,
			Reason:     "deletion unconfirmed: " + cause.Error(),
			Time:       time.Now(),
		})
	}
}

func (m *Manager) mergeObservation(node *Node, observed *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node.State = observed.State
	node.Endpoint = observed.Endpoint
	node.ServiceAccount = observed.ServiceAccount
	if observed.State == StateReady {
		node.LastHealthy = time.Now()
	}
}
