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
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tpuapi "google.golang.org/api/tpu/v1"

	"tpu-toolkit/pkg/faults"
)

// GCPProvider implements Provider on the Cloud TPU API. Credentials are
// injected through option.ClientOption; the provider never reads ambient
// auth state itself.
type GCPProvider struct {
	svc     *tpuapi.Service
	project string
	zone    string
}

// NewGCPProvider returns a provider bound to one project and zone.
func NewGCPProvider(ctx context.Context, project, zone string, opts ...option.ClientOption) (*GCPProvider, error) {
	svc, err := tpuapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create TPU API client: %w", err)
	}
	return &GCPProvider{svc: svc, project: project, zone: zone}, nil
}

func (p *GCPProvider) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", p.project, p.zone)
}

func (p *GCPProvider) nodeName(id string) string {
	return fmt.Sprintf("%s/nodes/%s", p.parent(), id)
}

// CreateNode submits the creation request and returns without waiting for
// the node to become Ready; the Manager polls readiness separately.
func (p *GCPProvider) CreateNode(ctx context.Context, spec NodeSpec) (*Node, error) {
	apiNode := &tpuapi.Node{
		AcceleratorType:   spec.AcceleratorType,
		TensorflowVersion: spec.Framework,
		Network:           spec.Network,
		CidrBlock:         spec.CIDRBlock,
		SchedulingConfig: &tpuapi.SchedulingConfig{
			Preemptible: spec.Preemptible,
			Reserved:    spec.Reserved,
		},
		Labels: map[string]string{
			ManagedByLabel: ManagedByValue,
			OwnerJobLabel:  spec.Name,
		},
	}

	_, err := p.svc.Projects.Locations.Nodes.Create(p.parent(), apiNode).
		NodeId(spec.Name).Context(ctx).Do()
	if err != nil {
		return nil, classifyGCP(errors.Wrapf(err, "creating node %q", spec.Name))
	}

	return &Node{
		ID:      spec.Name,
		Spec:    spec,
		State:   StateRequested,
		Created: time.Now(),
		Labels:  apiNode.Labels,
	}, nil
}

// DescribeNode reads the node's current remote state without mutating it.
func (p *GCPProvider) DescribeNode(ctx context.Context, id string) (*Node, error) {
	apiNode, err := p.svc.Projects.Locations.Nodes.Get(p.nodeName(id)).Context(ctx).Do()
	if err != nil {
		return nil, classifyGCP(errors.Wrapf(err, "describing node %q", id))
	}
	return p.fromAPI(id, apiNode), nil
}

// DeleteNode issues the deletion request. A node already gone is reported
// through ErrNotFound so the Manager can treat it as success.
func (p *GCPProvider) DeleteNode(ctx context.Context, id string) error {
	_, err := p.svc.Projects.Locations.Nodes.Delete(p.nodeName(id)).Context(ctx).Do()
	if err != nil {
		return classifyGCP(errors.Wrapf(err, "deleting node %q", id))
	}
	return nil
}

// ListNodes returns every node in the provider's project and zone.
func (p *GCPProvider) ListNodes(ctx context.Context) ([]*Node, error) {
	var out []*Node
	err := p.svc.Projects.Locations.Nodes.List(p.parent()).Pages(ctx, func(resp *tpuapi.ListNodesResponse) error {
		for _, apiNode := range resp.Nodes {
			out = append(out, p.fromAPI(shortNodeID(apiNode.Name), apiNode))
		}
		return nil
	})
	if err != nil {
		return nil, classifyGCP(errors.Wrap(err, "listing nodes"))
	}
	return out, nil
}

func (p *GCPProvider) fromAPI(id string, apiNode *tpuapi.Node) *Node {
	node := &Node{
		ID: id,
		Spec: NodeSpec{
			Name:            id,
			Project:         p.project,
			Zone:            p.zone,
			Network:         apiNode.Network,
			AcceleratorType: apiNode.AcceleratorType,
			Framework:       apiNode.TensorflowVersion,
			CIDRBlock:       apiNode.CidrBlock,
		},
		State:          stateFromAPI(apiNode.State),
		ServiceAccount: apiNode.ServiceAccount,
		Labels:         apiNode.Labels,
	}
	if t, err := time.Parse(time.RFC3339Nano, apiNode.CreateTime); err == nil {
		node.Created = t
	}
	if len(apiNode.NetworkEndpoints) > 0 {
		ep := apiNode.NetworkEndpoints[0]
		node.Endpoint = fmt.Sprintf("%s:%d", ep.IpAddress, ep.Port)
	}
	return node
}

func stateFromAPI(state string) NodeState {
	switch state {
	case "CREATING":
		return StateProvisioning
	case "READY":
		return StateReady
	case "DELETING":
		return StateDeleting
	case "PREEMPTED", "TERMINATED", "RESTARTING", "REIMAGING", "REPAIRING", "UNHEALTHY_MAINTENANCE":
		return StateFailed
	case "STOPPED", "STOPPING", "HIDDEN", "HIDING", "UNHIDING":
		return StateFailed
	default:
		return StateRequested
	}
}

func shortNodeID(fullName string) string {
	for i := len(fullName) - 1; i >= 0; i-- {
		if fullName[i] == '/' {
			return fullName[i+1:]
		}
	}
	return fullName
}

// classifyGCP maps provider errors into the faults taxonomy. Quota and
// invalid-spec failures must surface without retry; rate limits and server
// errors are retryable.
func classifyGCP(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return errors.WithMessage(ErrNotFound, err.Error())
		case gerr.Code == http.StatusForbidden:
			return faults.Wrap(faults.ResourceExhaustion, errors.WithMessage(ErrQuotaExceeded, err.Error()))
		case gerr.Code == http.StatusBadRequest:
			return faults.Wrap(faults.DataIntegrity, errors.WithMessage(ErrInvalidSpec, err.Error()))
		default:
			// 429 and 5xx are retryable; anything else unexpected is
			// treated the same rather than wedging the run.
			return faults.Wrap(faults.Transient, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.Cancelled, err)
	}
	// Anything non-HTTP (DNS, connection reset) is retryable.
	return faults.Wrap(faults.Transient, err)
}
