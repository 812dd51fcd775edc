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

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
)

var testService = types.ServiceKey{Namespace: "default", Service: "orders"}

func makeInstances(t *testing.T, instances ...*types.Instance) *types.ServiceInstances {
	t.Helper()
	for i, ins := range instances {
		if ins.ID == "" {
			ins.ID = string(rune('a' + i))
		}
		ins.Key = testService
		if ins.Weight == 0 {
			ins.Weight = 100
		}
	}
	return types.NewServiceInstances(types.ServiceInfo{Key: testService, Revision: "r1"}, instances)
}

func hosts(s *types.ServiceInstances) []string {
	out := make([]string, 0, len(s.Instances))
	for _, ins := range s.Instances {
		out = append(out, ins.Host)
	}
	return out
}

func TestChainStopsOnEmptyStage(t *testing.T) {
	chain := NewChain(nil, []ServiceRouter{NewIsolatedRouter()}, nil, nil)
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true, Isolated: true},
		&types.Instance{Host: "10.0.0.2", Healthy: true, Isolated: true},
	)
	_, err := chain.ProcessRouteRequest(context.Background(), &RouteInfo{DestService: testService}, all)
	require.Error(t, err)
	require.Equal(t, types.ErrCodeRouteRuleNotMatch, types.ErrorCodeOf(err))
}

func TestChainEmptyInput(t *testing.T) {
	chain := NewChain(nil, nil, nil, nil)
	_, err := chain.ProcessRouteRequest(context.Background(), &RouteInfo{DestService: testService}, makeInstances(t))
	require.Error(t, err)
	require.Equal(t, types.ErrCodeInstanceNotFound, types.ErrorCodeOf(err))
}

func TestRecoverAllDeadAllAlive(t *testing.T) {
	r := NewRecoverRouter()
	allDead := makeInstances(t,
		&types.Instance{Host: "10.0.0.1"},
		&types.Instance{Host: "10.0.0.2"},
	)
	routed, err := r.Filter(context.Background(), &RouteInfo{DestService: testService}, allDead)
	require.NoError(t, err)
	require.Len(t, routed.Instances, 2)

	mixed := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true},
		&types.Instance{Host: "10.0.0.2"},
	)
	routed, err = r.Filter(context.Background(), &RouteInfo{DestService: testService}, mixed)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))
}

func TestMetadataFailoverModes(t *testing.T) {
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true, Metadata: map[string]string{"env": "prod"}},
		&types.Instance{Host: "10.0.0.2", Healthy: true, Metadata: map[string]string{"env": "dev"}},
		&types.Instance{Host: "10.0.0.3", Healthy: true},
	)
	r := NewMetadataRouter()

	routed, err := r.Filter(context.Background(), &RouteInfo{
		DestService: testService,
		Metadata:    map[string]string{"env": "prod"},
	}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))

	_, err = r.Filter(context.Background(), &RouteInfo{
		DestService: testService,
		Metadata:    map[string]string{"env": "staging"},
	}, all)
	require.Error(t, err)
	require.Equal(t, types.ErrCodeMetadataMismatch, types.ErrorCodeOf(err))

	routed, err = r.Filter(context.Background(), &RouteInfo{
		DestService:      testService,
		Metadata:         map[string]string{"env": "staging"},
		MetadataFailover: FailoverAll,
	}, all)
	require.NoError(t, err)
	require.Len(t, routed.Instances, 3)

	routed, err = r.Filter(context.Background(), &RouteInfo{
		DestService:      testService,
		Metadata:         map[string]string{"env": "staging"},
		MetadataFailover: FailoverNoKey,
	}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.3"}, hosts(routed))
}

func TestNearbyCampusFallback(t *testing.T) {
	client := types.Location{Region: "south", Zone: "gz", Campus: "cz"}
	r := NewNearbyRouter(NearbyRouterConfig{
		MatchLevel:     LevelCampus,
		MaxMatchLevel:  LevelAll,
		ClientLocation: func() types.Location { return client },
	})

	withCampus := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true, Location: types.Location{Region: "south", Zone: "gz", Campus: "cz"}},
		&types.Instance{Host: "10.0.0.2", Healthy: true, Location: types.Location{Region: "south", Zone: "gz", Campus: "cy"}},
	)
	routed, err := r.Filter(context.Background(), &RouteInfo{DestService: testService}, withCampus)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))

	// Without a campus match the walk widens to the zone level.
	withoutCampus := makeInstances(t,
		&types.Instance{Host: "10.0.0.2", Healthy: true, Location: types.Location{Region: "south", Zone: "gz", Campus: "cy"}},
	)
	routed, err = r.Filter(context.Background(), &RouteInfo{DestService: testService}, withoutCampus)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2"}, hosts(routed))
}

func TestNearbyInvertedLevelsRejected(t *testing.T) {
	r := NewNearbyRouter(NearbyRouterConfig{
		MatchLevel:     LevelZone,
		MaxMatchLevel:  LevelCampus,
		ClientLocation: func() types.Location { return types.Location{Region: "south", Zone: "gz"} },
	})
	_, err := r.Filter(context.Background(), &RouteInfo{DestService: testService}, makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true},
	))
	require.Error(t, err)
	require.Equal(t, types.ErrCodeLocationMismatch, types.ErrorCodeOf(err))
}

func TestNearbyStrictWithoutLocation(t *testing.T) {
	unresolved := func() types.Location { return types.Location{} }
	all := makeInstances(t, &types.Instance{Host: "10.0.0.1", Healthy: true})

	strict := NewNearbyRouter(NearbyRouterConfig{StrictNearby: true, ClientLocation: unresolved})
	_, err := strict.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.Error(t, err)
	require.Equal(t, types.ErrCodeLocationMismatch, types.ErrorCodeOf(err))

	lax := NewNearbyRouter(NearbyRouterConfig{ClientLocation: unresolved})
	routed, err := lax.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.NoError(t, err)
	require.Len(t, routed.Instances, 1)
}

func TestNearbyDegradeByUnhealthyPercent(t *testing.T) {
	client := types.Location{Region: "south", Zone: "gz"}
	r := NewNearbyRouter(NearbyRouterConfig{
		MatchLevel:                      LevelZone,
		MaxMatchLevel:                   LevelRegion,
		EnableDegradeByUnhealthyPercent: true,
		UnhealthyPercentToDegrade:       50,
		ClientLocation:                  func() types.Location { return client },
	})
	// Zone gz is half dead, region-wide sz is healthy.
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true, Location: types.Location{Region: "south", Zone: "gz"}},
		&types.Instance{Host: "10.0.0.2", Location: types.Location{Region: "south", Zone: "gz"}},
		&types.Instance{Host: "10.0.0.3", Healthy: true, Location: types.Location{Region: "south", Zone: "sz"}},
	)
	routed, err := r.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.NoError(t, err)
	require.Len(t, routed.Instances, 3)
}

func TestMatchStringOperators(t *testing.T) {
	t.Setenv("ROUTER_TEST_REGION", "south")
	info := &RouteInfo{TrafficLabels: map[string]string{"uid": "1234"}}

	tests := []struct {
		name    string
		matcher *polarispb.MatchString
		actual  string
		want    bool
	}{
		{"exact hit", &polarispb.MatchString{Type: polarispb.MatchExact, Value: "v1"}, "v1", true},
		{"exact miss", &polarispb.MatchString{Type: polarispb.MatchExact, Value: "v1"}, "v2", false},
		{"not equals", &polarispb.MatchString{Type: polarispb.MatchNotEquals, Value: "v1"}, "v2", true},
		{"regex", &polarispb.MatchString{Type: polarispb.MatchRegex, Value: "^v[0-9]+$"}, "v10", true},
		{"bad regex", &polarispb.MatchString{Type: polarispb.MatchRegex, Value: "["}, "v1", false},
		{"in", &polarispb.MatchString{Type: polarispb.MatchIn, Value: "v1, v2,v3"}, "v2", true},
		{"not in", &polarispb.MatchString{Type: polarispb.MatchNotIn, Value: "v1,v2"}, "v3", true},
		{"range hit", &polarispb.MatchString{Type: polarispb.MatchRange, Value: "10~20"}, "20", true},
		{"range miss", &polarispb.MatchString{Type: polarispb.MatchRange, Value: "10~20"}, "21", false},
		{"variable from env", &polarispb.MatchString{Type: polarispb.MatchExact, Value: "ROUTER_TEST_REGION", ValueType: polarispb.ValueVariable}, "south", true},
		{"parameter from labels", &polarispb.MatchString{Type: polarispb.MatchExact, Value: "uid", ValueType: polarispb.ValueParameter}, "1234", true},
		{"parameter missing", &polarispb.MatchString{Type: polarispb.MatchExact, Value: "missing", ValueType: polarispb.ValueParameter}, "anything", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, matchString(tc.matcher, tc.actual, info))
		})
	}
}

func TestRuleBasedInboundPrecedence(t *testing.T) {
	caller := types.ServiceKey{Namespace: "default", Service: "frontend"}
	rules := map[types.ServiceKey]*polarispb.Routing{
		testService: {
			Namespace: testService.Namespace,
			Service:   testService.Service,
			Inbounds: []*polarispb.Route{{
				Sources: []*polarispb.Source{{
					Namespace: "default",
					Service:   "frontend",
					Metadata: map[string]*polarispb.MatchString{
						"env": {Type: polarispb.MatchExact, Value: "gray"},
					},
				}},
				Destinations: []*polarispb.Destination{{
					Namespace: MatchAll,
					Service:   MatchAll,
					Metadata: map[string]*polarispb.MatchString{
						"version": {Type: polarispb.MatchExact, Value: "2.0.0"},
					},
				}},
			}},
		},
	}
	r := NewRuleBasedRouter(RuleBasedRouterConfig{
		Routing: func(_ context.Context, key types.ServiceKey) (*polarispb.Routing, error) {
			return rules[key], nil
		},
	})
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true, Metadata: map[string]string{"version": "1.0.0"}},
		&types.Instance{Host: "10.0.0.2", Healthy: true, Metadata: map[string]string{"version": "2.0.0"}},
	)

	routed, err := r.Filter(context.Background(), &RouteInfo{
		SourceService: caller,
		DestService:   testService,
		TrafficLabels: map[string]string{"env": "gray"},
	}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2"}, hosts(routed))

	// Labels not matching any source leave the set untouched.
	routed, err = r.Filter(context.Background(), &RouteInfo{
		SourceService: caller,
		DestService:   testService,
		TrafficLabels: map[string]string{"env": "prod"},
	}, all)
	require.NoError(t, err)
	require.Len(t, routed.Instances, 2)
}

func TestRuleBasedFailoverPolicyNone(t *testing.T) {
	caller := types.ServiceKey{Namespace: "default", Service: "frontend"}
	rules := map[types.ServiceKey]*polarispb.Routing{
		testService: {
			Inbounds: []*polarispb.Route{{
				Sources: []*polarispb.Source{{
					Namespace: "default",
					Service:   "frontend",
					Metadata: map[string]*polarispb.MatchString{
						"env": {Type: polarispb.MatchExact, Value: "gray"},
					},
				}},
				Destinations: []*polarispb.Destination{{
					Namespace: MatchAll,
					Service:   MatchAll,
				}},
			}},
		},
	}
	supplier := func(_ context.Context, key types.ServiceKey) (*polarispb.Routing, error) {
		return rules[key], nil
	}
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true},
		&types.Instance{Host: "10.0.0.2", Healthy: true},
	)
	missInfo := &RouteInfo{
		SourceService: caller,
		DestService:   testService,
		TrafficLabels: map[string]string{"env": "prod"},
	}

	// The default policy keeps the full set on a rule miss.
	keepAll := NewRuleBasedRouter(RuleBasedRouterConfig{Routing: supplier})
	routed, err := keepAll.Filter(context.Background(), missInfo, all)
	require.NoError(t, err)
	require.Len(t, routed.Instances, 2)

	// Policy "none" turns the same miss into an empty set.
	none := NewRuleBasedRouter(RuleBasedRouterConfig{
		Routing:        supplier,
		FailoverPolicy: config.RuleFailoverNone,
	})
	routed, err = none.Filter(context.Background(), missInfo, all)
	require.NoError(t, err)
	require.True(t, routed.IsEmpty())

	// A matching caller still routes normally under "none".
	routed, err = none.Filter(context.Background(), &RouteInfo{
		SourceService: caller,
		DestService:   testService,
		TrafficLabels: map[string]string{"env": "gray"},
	}, all)
	require.NoError(t, err)
	require.Len(t, routed.Instances, 2)
}

func TestRuleBasedPriorityAndWeight(t *testing.T) {
	rules := map[types.ServiceKey]*polarispb.Routing{
		testService: {
			Inbounds: []*polarispb.Route{{
				Destinations: []*polarispb.Destination{
					{
						Priority: 1,
						Weight:   100,
						Metadata: map[string]*polarispb.MatchString{
							"version": {Type: polarispb.MatchExact, Value: "backup"},
						},
					},
					{
						Priority: 0,
						Weight:   30,
						Metadata: map[string]*polarispb.MatchString{
							"version": {Type: polarispb.MatchExact, Value: "blue"},
						},
					},
					{
						Priority: 0,
						Weight:   70,
						Metadata: map[string]*polarispb.MatchString{
							"version": {Type: polarispb.MatchExact, Value: "green"},
						},
					},
				},
			}},
		},
	}
	var draw uint64
	r := NewRuleBasedRouter(RuleBasedRouterConfig{
		Routing: func(_ context.Context, key types.ServiceKey) (*polarispb.Routing, error) {
			return rules[key], nil
		},
		Rand: func(uint64) uint64 { return draw },
	})
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true, Metadata: map[string]string{"version": "blue"}},
		&types.Instance{Host: "10.0.0.2", Healthy: true, Metadata: map[string]string{"version": "green"}},
		&types.Instance{Host: "10.0.0.3", Healthy: true, Metadata: map[string]string{"version": "backup"}},
	)

	draw = 10
	routed, err := r.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))

	draw = 40
	routed, err = r.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2"}, hosts(routed))
}

func TestSetRouterStrict(t *testing.T) {
	r := NewSetRouter()
	require.False(t, r.Enable(&RouteInfo{}, nil))
	require.True(t, r.Enable(&RouteInfo{SetName: "set1"}, nil))

	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true, Metadata: map[string]string{SetNameLabel: "set1"}},
		&types.Instance{Host: "10.0.0.2", Healthy: true},
	)
	routed, err := r.Filter(context.Background(), &RouteInfo{DestService: testService, SetName: "set1"}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))

	routed, err = r.Filter(context.Background(), &RouteInfo{DestService: testService, SetName: "set2"}, all)
	require.NoError(t, err)
	require.True(t, routed.IsEmpty())
}

func TestCanaryRouter(t *testing.T) {
	r := NewCanaryRouter()
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true},
		&types.Instance{Host: "10.0.0.2", Healthy: true, Metadata: map[string]string{CanaryLabel: "v2"}},
	)

	routed, err := r.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))

	routed, err = r.Filter(context.Background(), &RouteInfo{DestService: testService, Canary: "v2"}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2"}, hosts(routed))

	// Unknown canary value falls back to the stable pool.
	routed, err = r.Filter(context.Background(), &RouteInfo{DestService: testService, Canary: "v3"}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))
}

func TestLaneRouter(t *testing.T) {
	groups := []*polarispb.LaneGroup{{
		Name: "feature",
		Rules: []*polarispb.LaneRule{{
			Name:      "gray",
			GroupName: "feature",
			LabelKey:  "lane-marker",
			Enable:    true,
		}},
	}}
	r := NewLaneRouter(func(context.Context, types.ServiceKey) ([]*polarispb.LaneGroup, error) {
		return groups, nil
	})
	all := makeInstances(t,
		&types.Instance{Host: "10.0.0.1", Healthy: true},
		&types.Instance{Host: "10.0.0.2", Healthy: true, Metadata: map[string]string{LaneLabel: "gray"}},
	)

	routed, err := r.Filter(context.Background(), &RouteInfo{
		DestService:   testService,
		TrafficLabels: map[string]string{"lane-marker": "gray"},
	}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2"}, hosts(routed))

	routed, err = r.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))
}

func TestNamespaceRouter(t *testing.T) {
	r := NewNamespaceRouter()
	inNS := &types.Instance{Host: "10.0.0.1", Healthy: true, Weight: 100, Key: testService}
	crossNS := &types.Instance{Host: "10.0.0.2", Healthy: true, Weight: 100, Key: types.ServiceKey{Namespace: "other", Service: "orders"}}
	all := types.NewServiceInstances(types.ServiceInfo{Key: testService, Revision: "r1"}, []*types.Instance{inNS, crossNS})

	routed, err := r.Filter(context.Background(), &RouteInfo{DestService: testService}, all)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, hosts(routed))
}
