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
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

const (
	// wrrStateTTL evicts round robin state for services idle this long.
	wrrStateTTL = time.Minute
	// wrrStateSize bounds the number of tracked service snapshots.
	wrrStateSize = 4096
)

// wrrState holds the smooth round robin counters of one service snapshot,
// keyed per instance so routed subsets share the same accounting.
type wrrState struct {
	mu      sync.Mutex
	current map[string]int64
}

// WeightedRoundRobin implements smooth weighted round robin. State is kept
// per snapshot revision and dropped after a minute without traffic.
type WeightedRoundRobin struct {
	states *expirable.LRU[uint64, *wrrState]
}

// NewWeightedRoundRobin builds the balancer.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{
		states: expirable.NewLRU[uint64, *wrrState](wrrStateSize, nil, wrrStateTTL),
	}
}

// Name implements plugin.Plugin.
func (b *WeightedRoundRobin) Name() string { return config.LBWeightedRoundRobin }

// Type implements plugin.Plugin.
func (b *WeightedRoundRobin) Type() plugin.Type { return plugin.TypeLoadBalancer }

// Destroy implements plugin.Plugin.
func (b *WeightedRoundRobin) Destroy() error {
	b.states.Purge()
	return nil
}

func (b *WeightedRoundRobin) state(key uint64) *wrrState {
	if state, ok := b.states.Get(key); ok {
		return state
	}
	state := &wrrState{current: make(map[string]int64)}
	// A concurrent Add for the same key keeps the last writer; the lost
	// counters only cost one extra pick of the heaviest instance.
	b.states.Add(key, state)
	return state
}

// ChooseInstance implements LoadBalancer. Every instance advances by its
// weight and the front runner is drawn down by the total, which spreads
// picks evenly without bursts.
func (b *WeightedRoundRobin) ChooseInstance(_ Criteria, instances *types.ServiceInstances) (*types.Instance, error) {
	candidates := selectable(instances)
	if len(candidates) == 0 {
		return nil, errNoWeight(instances)
	}
	state := b.state(instances.CacheKey)
	state.mu.Lock()
	defer state.mu.Unlock()

	var total int64
	var best *types.Instance
	var bestCurrent int64
	for _, ins := range candidates {
		weight := int64(ins.Weight)
		total += weight
		state.current[ins.ID] += weight
		if best == nil || state.current[ins.ID] > bestCurrent {
			best = ins
			bestCurrent = state.current[ins.ID]
		}
	}
	if total == 0 {
		return nil, errNoWeight(instances)
	}
	state.current[best.ID] -= total
	return best, nil
}
