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

package loadbalance

import (
	"math/rand/v2"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// WeightedRandom draws instances proportionally to their weights.
type WeightedRandom struct {
	rand func(n uint64) uint64
}

// NewWeightedRandom builds the balancer. A nil rand uses the process
// source; tests inject a deterministic one.
func NewWeightedRandom(randFn func(n uint64) uint64) *WeightedRandom {
	if randFn == nil {
		randFn = rand.Uint64N
	}
	return &WeightedRandom{rand: randFn}
}

// Name implements plugin.Plugin.
func (b *WeightedRandom) Name() string { return config.LBWeightedRandom }

// Type implements plugin.Plugin.
func (b *WeightedRandom) Type() plugin.Type { return plugin.TypeLoadBalancer }

// Destroy implements plugin.Plugin.
func (b *WeightedRandom) Destroy() error { return nil }

// ChooseInstance implements LoadBalancer.
func (b *WeightedRandom) ChooseInstance(_ Criteria, instances *types.ServiceInstances) (*types.Instance, error) {
	candidates := selectable(instances)
	if len(candidates) == 0 {
		return nil, errNoWeight(instances)
	}
	var total uint64
	for _, ins := range candidates {
		total += uint64(ins.Weight)
	}
	if total == 0 {
		return nil, errNoWeight(instances)
	}
	point := b.rand(total)
	for _, ins := range candidates {
		if point < uint64(ins.Weight) {
			return ins, nil
		}
		point -= uint64(ins.Weight)
	}
	return candidates[len(candidates)-1], nil
}
