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

// Package tpu manages the lifecycle of Cloud TPU nodes: creation with
// bounded retry, readiness polling, health verification and idempotent
// teardown. It is the only component allowed to create or delete nodes;
// everyone else holds read-only references.
package tpu

import (
	"context"
	"errors"
	"time"
)

// NodeState is the lifecycle state of an accelerator node.
type NodeState string

const (
	StateRequested    NodeState = "Requested"
	StateProvisioning NodeState = "Provisioning"
	StateReady        NodeState = "Ready"
	StateInUse        NodeState = "InUse"
	StateFailed       NodeState = "Failed"
	StateDeleting     NodeState = "Deleting"
	StateDeleted      NodeState = "Deleted"

	// StateDeletedUnconfirmed marks a node whose deletion could not be
	// verified after exhausting retries. It is surfaced as a leak alert
	// because the node may still be billing.
	StateDeletedUnconfirmed NodeState = "DeletedUnconfirmed"
)

// Terminal reports whether no further transitions are possible.
func (s NodeState) Terminal() bool {
	return s == StateDeleted || s == StateDeletedUnconfirmed
}

// NodeSpec describes the node to provision.
type NodeSpec struct {
	Name            string
	Project         string
	Zone            string
	Network         string
	AcceleratorType string
	Framework       string
	CIDRBlock       string
	Preemptible     bool
	Reserved        bool
}

// Node is the manager's view of one accelerator resource. Mutated only by
// the Manager; callers treat it as read-only.
type Node struct {
	ID             string
	Spec           NodeSpec
	State          NodeState
	Created        time.Time
	LastHealthy    time.Time
	OwnerJob       string
	ServiceAccount string
	Endpoint       string
	Labels         map[string]string
}

// Provider is the remote accelerator-provisioning API. Implementations
// classify their errors with faults kinds; NotFound is reported through
// ErrNotFound so callers can treat deletion as idempotent.
type Provider interface {
	CreateNode(ctx context.Context, spec NodeSpec) (*Node, error)
	DescribeNode(ctx context.Context, id string) (*Node, error)
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]*Node, error)
}

// LeakAlert is an operator-visible record of a resource that may still be
// billing after teardown failed or ownership was lost.
type LeakAlert struct {
	ResourceID string
	OwnerJob   string
	Reason     string
	Time       time.Time
}

// AlertSink receives leak alerts. Implementations must not block.
type AlertSink interface {
	LeakDetected(alert LeakAlert)
}

var (
	// ErrNotFound reports a node unknown to the provider.
	ErrNotFound = errors.New("tpu: node not found")

	// ErrQuotaExceeded reports accelerator quota exhaustion.
	ErrQuotaExceeded = errors.New("tpu: quota exceeded")

	// ErrInvalidSpec reports a node spec the provider rejected outright.
	ErrInvalidSpec = errors.New("tpu: invalid node spec")
)

// IsNotFound reports whether err denotes a missing node.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
