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
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

const (
	// DefaultVirtualNodes is the flat virtual node count per instance.
	DefaultVirtualNodes = 5
	ringCacheTTL        = time.Minute
	ringCacheSize       = 1024
)

type ringNode struct {
	hash     uint64
	instance *types.Instance
}

type hashRing struct {
	nodes []ringNode
}

// RingHash maps hash keys onto a consistent ring of virtual nodes, so a
// key keeps hitting the same instance across instance churn elsewhere on
// the ring.
type RingHash struct {
	replicas int
	rings    *expirable.LRU[uint64, *hashRing]
}

// NewRingHash builds the balancer. Zero replicas uses the default.
func NewRingHash(replicas int) *RingHash {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	return &RingHash{
		replicas: replicas,
		rings:    expirable.NewLRU[uint64, *hashRing](ringCacheSize, nil, ringCacheTTL),
	}
}

// Name implements plugin.Plugin.
func (b *RingHash) Name() string { return config.LBRingHash }

// Type implements plugin.Plugin.
func (b *RingHash) Type() plugin.Type { return plugin.TypeLoadBalancer }

// Destroy implements plugin.Plugin.
func (b *RingHash) Destroy() error {
	b.rings.Purge()
	return nil
}

// ringKey digests the candidate identity set. Routed subsets of the same
// snapshot get their own rings.
func ringKey(snapshot uint64, candidates []*types.Instance) uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "%d", snapshot)
	for _, ins := range candidates {
		d.WriteString("#")
		d.WriteString(ins.ID)
	}
	return d.Sum64()
}

func (b *RingHash) ring(key uint64, candidates []*types.Instance) *hashRing {
	if ring, ok := b.rings.Get(key); ok {
		return ring
	}
	nodes := make([]ringNode, 0, len(candidates)*b.replicas)
	for _, ins := range candidates {
		// Virtual nodes hang off the instance id, so an instance keeps its
		// ring positions when its address or weight changes.
		for i := 0; i < b.replicas; i++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s#%d", ins.ID, i))
			nodes = append(nodes, ringNode{hash: h, instance: ins})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].hash < nodes[j].hash })
	ring := &hashRing{nodes: nodes}
	b.rings.Add(key, ring)
	return ring
}

// ChooseInstance implements LoadBalancer. The key's successor on the ring
// wins; ReplicateIndex walks to the next distinct instances clockwise.
func (b *RingHash) ChooseInstance(criteria Criteria, instances *types.ServiceInstances) (*types.Instance, error) {
	candidates := selectable(instances)
	if len(candidates) == 0 {
		return nil, errNoWeight(instances)
	}
	ring := b.ring(ringKey(instances.CacheKey, candidates), candidates)
	point := xxhash.Sum64String(criteria.HashKey)
	idx := sort.Search(len(ring.nodes), func(i int) bool { return ring.nodes[i].hash >= point })
	if idx == len(ring.nodes) {
		idx = 0
	}
	if criteria.ReplicateIndex <= 0 {
		return ring.nodes[idx].instance, nil
	}
	// Skip ReplicateIndex distinct owners clockwise from the primary.
	seen := map[string]struct{}{ring.nodes[idx].instance.ID: {}}
	for step := 1; step < len(ring.nodes); step++ {
		node := ring.nodes[(idx+step)%len(ring.nodes)]
		if _, dup := seen[node.instance.ID]; dup {
			continue
		}
		seen[node.instance.ID] = struct{}{}
		if len(seen) > criteria.ReplicateIndex {
			return node.instance, nil
		}
	}
	return ring.nodes[idx].instance, nil
}
