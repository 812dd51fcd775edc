// Copyright 2024 polaris-contrib
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

// Package loadbalance implements the built-in load balancers: weighted
// random, smooth weighted round robin and consistent hashing over a ring.
// Balancers only consider selectable instances (healthy, not isolated,
// positive weight).
package loadbalance

import (
	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// Criteria carries the per-call balancing inputs.
type Criteria struct {
	// HashKey selects the ring position for hash based balancers. Ignored
	// by the others.
	HashKey string
	// ReplicateIndex selects the n-th distinct ring successor, used to pick
	// backup nodes. Zero picks the primary.
	ReplicateIndex int
}

// LoadBalancer picks one instance from a routed snapshot.
type LoadBalancer interface {
	plugin.Plugin
	// ChooseInstance returns one selectable instance.
	ChooseInstance(criteria Criteria, instances *types.ServiceInstances) (*types.Instance, error)
}

// selectable filters the snapshot down to instances that can take traffic.
func selectable(instances *types.ServiceInstances) []*types.Instance {
	out := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		if ins.Selectable() {
			out = append(out, ins)
		}
	}
	return out
}

// errNoWeight is returned when every instance is excluded from selection.
func errNoWeight(instances *types.ServiceInstances) error {
	return trace.Wrap(types.NewPolarisError(types.ErrCodeInstanceInfoError,
		"service %s has no selectable instance weight", instances.Service.Key))
}
