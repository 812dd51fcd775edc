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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

func makeSnapshot(t *testing.T, revision string, instances ...*types.Instance) *types.ServiceInstances {
	t.Helper()
	key := types.ServiceKey{Namespace: "default", Service: "orders"}
	for i, ins := range instances {
		if ins.ID == "" {
			ins.ID = fmt.Sprintf("ins-%d", i)
		}
		ins.Key = key
		if ins.Host == "" {
			ins.Host = fmt.Sprintf("10.0.0.%d", i+1)
		}
		ins.Port = 8080
	}
	return types.NewServiceInstances(types.ServiceInfo{Key: key, Revision: revision}, instances)
}

func TestWeightedRandomDistribution(t *testing.T) {
	source := rand.New(rand.NewPCG(7, 11))
	b := NewWeightedRandom(source.Uint64N)
	snapshot := makeSnapshot(t, "r1",
		&types.Instance{ID: "heavy", Healthy: true, Weight: 300},
		&types.Instance{ID: "light", Healthy: true, Weight: 100},
	)
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		ins, err := b.ChooseInstance(Criteria{}, snapshot)
		require.NoError(t, err)
		counts[ins.ID]++
	}
	// Expectation is 7500 heavy picks; the seeded source stays well inside
	// a +-200 band.
	require.InDelta(t, 7500, counts["heavy"], 200)
	require.Equal(t, 10000, counts["heavy"]+counts["light"])
}

func TestWeightedRandomNoSelectableWeight(t *testing.T) {
	b := NewWeightedRandom(nil)
	tests := []struct {
		name     string
		snapshot *types.ServiceInstances
	}{
		{"empty", makeSnapshot(t, "r1")},
		{"all isolated", makeSnapshot(t, "r1", &types.Instance{Healthy: true, Isolated: true, Weight: 100})},
		{"all unhealthy", makeSnapshot(t, "r1", &types.Instance{Weight: 100})},
		{"zero weights", makeSnapshot(t, "r1", &types.Instance{Healthy: true})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.ChooseInstance(Criteria{}, tc.snapshot)
			require.Error(t, err)
			require.Equal(t, types.ErrCodeInstanceInfoError, types.ErrorCodeOf(err))
		})
	}
}

func TestWeightedRoundRobinSmoothCycle(t *testing.T) {
	b := NewWeightedRoundRobin()
	snapshot := makeSnapshot(t, "r1",
		&types.Instance{ID: "a", Healthy: true, Weight: 5},
		&types.Instance{ID: "b", Healthy: true, Weight: 1},
		&types.Instance{ID: "c", Healthy: true, Weight: 1},
	)
	counts := map[string]int{}
	var picks []string
	for i := 0; i < 14; i++ {
		ins, err := b.ChooseInstance(Criteria{}, snapshot)
		require.NoError(t, err)
		counts[ins.ID]++
		picks = append(picks, ins.ID)
	}
	// Two full cycles: picks follow the weights exactly.
	require.Equal(t, 10, counts["a"])
	require.Equal(t, 2, counts["b"])
	require.Equal(t, 2, counts["c"])
	// Smooth spreading never runs the heavy instance five times in a row.
	run := 0
	for _, id := range picks {
		if id == "a" {
			run++
			require.Less(t, run, 5)
		} else {
			run = 0
		}
	}
}

func TestWeightedRoundRobinSkipsUnselectable(t *testing.T) {
	b := NewWeightedRoundRobin()
	snapshot := makeSnapshot(t, "r1",
		&types.Instance{ID: "a", Healthy: true, Weight: 1},
		&types.Instance{ID: "b", Weight: 1},
	)
	for i := 0; i < 4; i++ {
		ins, err := b.ChooseInstance(Criteria{}, snapshot)
		require.NoError(t, err)
		require.Equal(t, "a", ins.ID)
	}
}

func TestRingHashSticky(t *testing.T) {
	b := NewRingHash(0)
	snapshot := makeSnapshot(t, "r1",
		&types.Instance{ID: "a", Healthy: true, Weight: 100},
		&types.Instance{ID: "b", Healthy: true, Weight: 100},
		&types.Instance{ID: "c", Healthy: true, Weight: 100},
	)
	first, err := b.ChooseInstance(Criteria{HashKey: "user-42"}, snapshot)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.ChooseInstance(Criteria{HashKey: "user-42"}, snapshot)
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
	}
}

func TestRingHashStableAcrossUnrelatedRemoval(t *testing.T) {
	b := NewRingHash(0)
	full := makeSnapshot(t, "r1",
		&types.Instance{ID: "a", Healthy: true, Weight: 100},
		&types.Instance{ID: "b", Healthy: true, Weight: 100},
		&types.Instance{ID: "c", Healthy: true, Weight: 100},
	)
	owner, err := b.ChooseInstance(Criteria{HashKey: "user-42"}, full)
	require.NoError(t, err)

	// Dropping one non-owner moves only that instance's keys; the owner
	// keeps serving user-42.
	kept := make([]*types.Instance, 0, 2)
	dropped := false
	for _, ins := range full.Instances {
		if ins.ID != owner.ID && !dropped {
			dropped = true
			continue
		}
		kept = append(kept, ins)
	}
	again, err := b.ChooseInstance(Criteria{HashKey: "user-42"}, full.WithInstances(kept))
	require.NoError(t, err)
	require.Equal(t, owner.ID, again.ID)
}

func TestRingHashFlatReplicasPerInstance(t *testing.T) {
	b := NewRingHash(0)
	snapshot := makeSnapshot(t, "r1",
		&types.Instance{ID: "heavy", Healthy: true, Weight: 500},
		&types.Instance{ID: "light", Healthy: true, Weight: 100},
	)
	candidates := selectable(snapshot)
	require.Len(t, candidates, 2)

	// Weight plays no part in ring occupancy: every instance owns exactly
	// the default replica count.
	ring := b.ring(ringKey(snapshot.CacheKey, candidates), candidates)
	require.Len(t, ring.nodes, 2*DefaultVirtualNodes)
	perInstance := map[string]int{}
	for _, node := range ring.nodes {
		perInstance[node.instance.ID]++
	}
	require.Equal(t, DefaultVirtualNodes, perInstance["heavy"])
	require.Equal(t, DefaultVirtualNodes, perInstance["light"])
}

func TestRingHashKeyedByInstanceID(t *testing.T) {
	b := NewRingHash(0)
	before := makeSnapshot(t, "r1",
		&types.Instance{ID: "a", Host: "10.0.0.1", Healthy: true, Weight: 100},
		&types.Instance{ID: "b", Host: "10.0.0.2", Healthy: true, Weight: 100},
		&types.Instance{ID: "c", Host: "10.0.0.3", Healthy: true, Weight: 100},
	)
	owner, err := b.ChooseInstance(Criteria{HashKey: "user-42"}, before)
	require.NoError(t, err)

	// Re-addressed instances keep their ring positions: ownership follows
	// the instance id, not host and port.
	after := makeSnapshot(t, "r2",
		&types.Instance{ID: "a", Host: "10.1.0.1", Healthy: true, Weight: 100},
		&types.Instance{ID: "b", Host: "10.1.0.2", Healthy: true, Weight: 100},
		&types.Instance{ID: "c", Host: "10.1.0.3", Healthy: true, Weight: 100},
	)
	again, err := b.ChooseInstance(Criteria{HashKey: "user-42"}, after)
	require.NoError(t, err)
	require.Equal(t, owner.ID, again.ID)
}

func TestRingHashReplicateIndex(t *testing.T) {
	b := NewRingHash(0)
	snapshot := makeSnapshot(t, "r1",
		&types.Instance{ID: "a", Healthy: true, Weight: 100},
		&types.Instance{ID: "b", Healthy: true, Weight: 100},
		&types.Instance{ID: "c", Healthy: true, Weight: 100},
	)
	primary, err := b.ChooseInstance(Criteria{HashKey: "user-42"}, snapshot)
	require.NoError(t, err)
	backup, err := b.ChooseInstance(Criteria{HashKey: "user-42", ReplicateIndex: 1}, snapshot)
	require.NoError(t, err)
	require.NotEqual(t, primary.ID, backup.ID)
}
