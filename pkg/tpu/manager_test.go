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
	"errors"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"tpu-toolkit/pkg/faults"
)

// fakeProvider scripts provider behavior per call.
type fakeProvider struct {
	mu sync.Mutex

	createErrs  []error // consumed one per CreateNode call
	createCalls int

	describeStates []NodeState // consumed one per DescribeNode call; last repeats
	describeErr    error
	describeCalls  int

	deleteErrs  []error // consumed one per DeleteNode call; last repeats
	deleteCalls int

	listed []*Node
}

func (f *fakeProvider) CreateNode(ctx context.Context, spec NodeSpec) (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Node{ID: spec.Name, Spec: spec, State: StateRequested, Created: time.Now()}, nil
}

func (f *fakeProvider) DescribeNode(ctx context.Context, id string) (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	state := StateReady
	if len(f.describeStates) > 0 {
		state = f.describeStates[0]
		if len(f.describeStates) > 1 {
			f.describeStates = f.describeStates[1:]
		}
	}
	return &Node{ID: id, State: state}, nil
}

func (f *fakeProvider) DeleteNode(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		if len(f.deleteErrs) > 1 {
			f.deleteErrs = f.deleteErrs[1:]
		}
		return err
	}
	return nil
}

func (f *fakeProvider) ListNodes(ctx context.Context) ([]*Node, error) {
	return f.listed, nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []LeakAlert
}

func (s *recordingSink) LeakDetected(a LeakAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testConfig() ManagerConfig {
	return ManagerConfig{
		ProvisioningTimeout: 200 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
		MaxReadyAge:         50 * time.Millisecond,
		AcquireBackoff:      wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 2.0, Cap: 10 * time.Millisecond},
		ReleaseBackoff:      wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 2.0, Cap: 10 * time.Millisecond},
	}
}

func transientErr() error {
	return faults.New(faults.Transient, "simulated rate limit")
}

func TestAcquireRetriesTransientThenSucceeds(t *testing.T) {
	p := &fakeProvider{createErrs: []error{transientErr(), transientErr(), nil}}
	m := NewManager(p, testConfig(), nil)

	start := time.Now()
	node, err := m.Acquire(context.Background(), NodeSpec{Name: "job-1"}, "job-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if p.createCalls != 3 {
		t.Errorf("provider saw %d create attempts, want 3", p.createCalls)
	}
	if node.State != StateInUse {
		t.Errorf("node state = %s, want %s", node.State, StateInUse)
	}
	if node.OwnerJob != "job-1" {
		t.Errorf("node owner = %q, want %q", node.OwnerJob, "job-1")
	}
	// Two backoff sleeps of 1ms and 2ms plus polling; anything over a
	// second means backoff ran away.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Acquire took %s, exceeds backoff bounds", elapsed)
	}
}

func TestAcquireQuotaFailsImmediately(t *testing.T) {
	quota := faults.Wrap(faults.ResourceExhaustion, ErrQuotaExceeded)
	p := &fakeProvider{createErrs: []error{quota}}
	m := NewManager(p, testConfig(), nil)

	node, err := m.Acquire(context.Background(), NodeSpec{Name: "job-q"}, "job-q")
	if err == nil {
		t.Fatalf("Acquire succeeded with node %+v, want quota error", node)
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("error %v does not wrap ErrQuotaExceeded", err)
	}
	if got := faults.KindOf(err); got != faults.ResourceExhaustion {
		t.Errorf("error kind %q, want %q", got, faults.ResourceExhaustion)
	}
	if p.createCalls != 1 {
		t.Errorf("provider saw %d create attempts, want exactly 1 (no retries)", p.createCalls)
	}
}

func TestAcquireInvalidSpecFailsImmediately(t *testing.T) {
	invalid := faults.Wrap(faults.DataIntegrity, ErrInvalidSpec)
	p := &fakeProvider{createErrs: []error{invalid}}
	m := NewManager(p, testConfig(), nil)

	_, err := m.Acquire(context.Background(), NodeSpec{Name: "job-i"}, "job-i")
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("error %v does not wrap ErrInvalidSpec", err)
	}
	if p.createCalls != 1 {
		t.Errorf("provider saw %d create attempts, want 1", p.createCalls)
	}
}

func TestAcquireExhaustsRetryBudget(t *testing.T) {
	p := &fakeProvider{createErrs: []error{transientErr(), transientErr(), transientErr()}}
	m := NewManager(p, testConfig(), nil)

	_, err := m.Acquire(context.Background(), NodeSpec{Name: "job-x"}, "job-x")
	if err == nil {
		t.Fatal("Acquire succeeded, want exhausted retries")
	}
	if got := faults.KindOf(err); got != faults.Transient {
		t.Errorf("error kind %q, want %q", got, faults.Transient)
	}
	if p.createCalls != 3 {
		t.Errorf("provider saw %d create attempts, want 3", p.createCalls)
	}
}

func TestAcquireProvisioningTimeout(t *testing.T) {
	p := &fakeProvider{describeStates: []NodeState{StateProvisioning}}
	m := NewManager(p, testConfig(), nil)

	node, err := m.Acquire(context.Background(), NodeSpec{Name: "job-t"}, "job-t")
	if err == nil {
		t.Fatal("Acquire succeeded, want provisioning timeout")
	}
	if got := faults.KindOf(err); got != faults.Timeout {
		t.Errorf("error kind %q, want %q", got, faults.Timeout)
	}
	// The partially provisioned node must be returned so the caller can
	// release it.
	if node == nil {
		t.Fatal("Acquire returned nil node on timeout; caller cannot release")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testConfig(), nil)

	node, err := m.Acquire(context.Background(), NodeSpec{Name: "job-r"}, "job-r")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := m.Release(context.Background(), node.ID); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if err := m.Release(context.Background(), node.ID); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if p.deleteCalls != 1 {
		t.Errorf("provider saw %d delete attempts, want exactly 1", p.deleteCalls)
	}
}

func TestReleaseNotFoundIsSuccess(t *testing.T) {
	p := &fakeProvider{deleteErrs: []error{ErrNotFound}}
	m := NewManager(p, testConfig(), nil)

	if err := m.Release(context.Background(), "long-gone"); err != nil {
		t.Fatalf("Release of missing node failed: %v", err)
	}
	if p.deleteCalls != 1 {
		t.Errorf("provider saw %d delete attempts, want 1", p.deleteCalls)
	}
}

func TestReleaseUnconfirmedRaisesAlert(t *testing.T) {
	p := &fakeProvider{deleteErrs: []error{transientErr()}}
	sink := &recordingSink{}
	m := NewManager(p, testConfig(), sink)

	node, err := m.Acquire(context.Background(), NodeSpec{Name: "job-u"}, "job-u")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	err = m.Release(context.Background(), node.ID)
	if err == nil {
		t.Fatal("Release succeeded, want unconfirmed deletion")
	}
	if got := faults.KindOf(err); got != faults.Unconfirmed {
		t.Errorf("error kind %q, want %q", got, faults.Unconfirmed)
	}
	if p.deleteCalls != testConfig().ReleaseBackoff.Steps {
		t.Errorf("provider saw %d delete attempts, want %d", p.deleteCalls, testConfig().ReleaseBackoff.Steps)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d leak alerts, want 1", sink.count())
	}

	m.mu.Lock()
	state := m.nodes[node.ID].State
	m.mu.Unlock()
	if state != StateDeletedUnconfirmed {
		t.Errorf("ledger state %s, want %s", state, StateDeletedUnconfirmed)
	}
}

func TestVerifyUsableReverifiesStaleNode(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testConfig(), nil)

	node, err := m.Acquire(context.Background(), NodeSpec{Name: "job-s"}, "job-s")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	describesBefore := p.describeCalls

	// Fresh confirmation: no provider round trip needed.
	usable, err := m.VerifyUsable(context.Background(), node.ID)
	if err != nil || !usable {
		t.Fatalf("VerifyUsable on fresh node = (%v, %v), want (true, nil)", usable, err)
	}
	if p.describeCalls != describesBefore {
		t.Errorf("fresh node triggered a describe call")
	}

	// Stale confirmation: must be re-verified against the provider.
	m.mu.Lock()
	m.nodes[node.ID].LastHealthy = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	usable, err = m.VerifyUsable(context.Background(), node.ID)
	if err != nil || !usable {
		t.Fatalf("VerifyUsable on stale healthy node = (%v, %v), want (true, nil)", usable, err)
	}
	if p.describeCalls == describesBefore {
		t.Errorf("stale node was trusted without re-verification")
	}

	// A node the provider now reports Failed is not usable.
	m.mu.Lock()
	m.nodes[node.ID].LastHealthy = time.Now().Add(-time.Minute)
	m.mu.Unlock()
	p.mu.Lock()
	p.describeStates = []NodeState{StateFailed}
	p.mu.Unlock()

	usable, err = m.VerifyUsable(context.Background(), node.ID)
	if err != nil {
		t.Fatalf("VerifyUsable failed: %v", err)
	}
	if usable {
		t.Errorf("failed node reported usable")
	}
}

func TestPollReportsDeletedForMissingNode(t *testing.T) {
	p := &fakeProvider{describeErr: ErrNotFound}
	m := NewManager(p, testConfig(), nil)

	state, err := m.Poll(context.Background(), "gone")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if state != StateDeleted {
		t.Errorf("Poll state = %s, want %s", state, StateDeleted)
	}
}

func TestReclaimDeletesOrphansOnly(t *testing.T) {
	p := &fakeProvider{}
	sink := &recordingSink{}
	m := NewManager(p, testConfig(), sink)

	leased, err := m.Acquire(context.Background(), NodeSpec{Name: "job-live"}, "job-live")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	toolkitLabels := map[string]string{ManagedByLabel: ManagedByValue, OwnerJobLabel: "job-dead"}
	p.mu.Lock()
	p.listed = []*Node{
		{ID: leased.ID, State: StateReady, Labels: map[string]string{ManagedByLabel: ManagedByValue, OwnerJobLabel: "job-live"}},
		{ID: "orphan-1", State: StateReady, Labels: toolkitLabels},
		{ID: "foreign", State: StateReady, Labels: map[string]string{"managed-by": "someone-else"}},
	}
	deletesBefore := p.deleteCalls
	p.mu.Unlock()

	reclaimed, err := m.Reclaim(context.Background())
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "orphan-1" {
		t.Errorf("reclaimed %v, want [orphan-1]", reclaimed)
	}
	if p.deleteCalls != deletesBefore+1 {
		t.Errorf("provider saw %d deletes during reclaim, want 1", p.deleteCalls-deletesBefore)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d leak alerts, want 1", sink.count())
	}
}

func TestCIDRPrefixLength(t *testing.T) {
	tests := []struct {
		acceleratorType string
		want            int
	}{
		{"v2-8", 29},
		{"v3-32", 29},
		{"v2-128", 27},
		{"v3-256", 26},
		{"v3-512", 25},
	}
	for _, tt := range tests {
		t.Run(tt.acceleratorType, func(t *testing.T) {
			cores, err := CoresFromAcceleratorType(tt.acceleratorType)
			if err != nil {
				t.Fatalf("CoresFromAcceleratorType failed: %v", err)
			}
			if got := CIDRPrefixLength(cores); got != tt.want {
				t.Errorf("CIDRPrefixLength(%d) = %d, want %d", cores, got, tt.want)
			}
		})
	}

	if _, err := CoresFromAcceleratorType("bogus"); err == nil {
		t.Errorf("CoresFromAcceleratorType accepted a malformed type")
	}
}
