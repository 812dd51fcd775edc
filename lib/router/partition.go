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

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// Instance metadata keys consumed by the partition routers.
const (
	// SetNameLabel marks the deployment set an instance belongs to.
	SetNameLabel = "internal-set-name"
	// CanaryLabel marks a canary instance with its canary value.
	CanaryLabel = "canary"
	// LaneLabel marks the lane an instance serves.
	LaneLabel = "lane"
)

// SetRouter pins traffic to the deployment set named by the request.
type SetRouter struct{}

// NewSetRouter returns the set partition router.
func NewSetRouter() *SetRouter { return &SetRouter{} }

// Name implements plugin.Plugin.
func (r *SetRouter) Name() string { return config.RouterSet }

// Type implements plugin.Plugin.
func (r *SetRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *SetRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *SetRouter) Enable(routeInfo *RouteInfo, _ *types.ServiceInstances) bool {
	return routeInfo.SetName != ""
}

// Filter implements ServiceRouter. Set routing is strict: a request bound
// to a set never spills into other sets.
func (r *SetRouter) Filter(_ context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	matched := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		if ins.Metadata[SetNameLabel] == routeInfo.SetName {
			matched = append(matched, ins)
		}
	}
	return instances.WithInstances(matched), nil
}

// CanaryRouter separates canary instances from the stable pool. Requests
// carrying a canary value prefer matching canary instances and fall back to
// the stable pool; requests without one avoid canary instances.
type CanaryRouter struct{}

// NewCanaryRouter returns the canary partition router.
func NewCanaryRouter() *CanaryRouter { return &CanaryRouter{} }

// Name implements plugin.Plugin.
func (r *CanaryRouter) Name() string { return config.RouterCanary }

// Type implements plugin.Plugin.
func (r *CanaryRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *CanaryRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *CanaryRouter) Enable(*RouteInfo, *types.ServiceInstances) bool { return true }

// Filter implements ServiceRouter.
func (r *CanaryRouter) Filter(_ context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	canary := make([]*types.Instance, 0, len(instances.Instances))
	stable := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		value, isCanary := ins.Metadata[CanaryLabel]
		switch {
		case !isCanary:
			stable = append(stable, ins)
		case routeInfo.Canary != "" && value == routeInfo.Canary:
			canary = append(canary, ins)
		}
	}
	if routeInfo.Canary != "" && len(canary) > 0 {
		return instances.WithInstances(canary), nil
	}
	if len(stable) == 0 {
		return instances, nil
	}
	if len(stable) == len(instances.Instances) {
		return instances, nil
	}
	return instances.WithInstances(stable), nil
}

// LaneSupplier fetches the lane groups of a service, typically from the
// resource cache.
type LaneSupplier func(ctx context.Context, key types.ServiceKey) ([]*polarispb.LaneGroup, error)

// LaneRouter keeps traffic inside its lane. The lane is resolved from the
// request traffic labels through the service's lane rules; unmatched
// requests stay on instances without a lane marker.
type LaneRouter struct {
	lanes LaneSupplier
}

// NewLaneRouter builds the lane router.
func NewLaneRouter(lanes LaneSupplier) *LaneRouter {
	return &LaneRouter{lanes: lanes}
}

// Name implements plugin.Plugin.
func (r *LaneRouter) Name() string { return config.RouterLane }

// Type implements plugin.Plugin.
func (r *LaneRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *LaneRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *LaneRouter) Enable(*RouteInfo, *types.ServiceInstances) bool {
	return r.lanes != nil
}

// Filter implements ServiceRouter.
func (r *LaneRouter) Filter(ctx context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	groups, err := r.lanes(ctx, routeInfo.DestService)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lane := resolveLane(groups, routeInfo)
	matched := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		if ins.Metadata[LaneLabel] == lane {
			matched = append(matched, ins)
		}
	}
	if lane != "" && len(matched) == 0 {
		// A lane with no instances falls back to the base lane.
		for _, ins := range instances.Instances {
			if _, inLane := ins.Metadata[LaneLabel]; !inLane {
				matched = append(matched, ins)
			}
		}
	}
	if len(matched) == len(instances.Instances) {
		return instances, nil
	}
	return instances.WithInstances(matched), nil
}

// resolveLane returns the name of the first enabled lane rule the request
// labels satisfy, or "" for the base lane.
func resolveLane(groups []*polarispb.LaneGroup, routeInfo *RouteInfo) string {
	for _, group := range groups {
		for _, rule := range group.Rules {
			if !rule.Enable {
				continue
			}
			if rule.LabelKey != "" {
				if value, ok := routeInfo.label(rule.LabelKey); !ok || value != rule.Name {
					continue
				}
			}
			if !matchMetadata(rule.Matches, routeInfo.TrafficLabels, routeInfo) {
				continue
			}
			return rule.Name
		}
	}
	return ""
}

// NamespaceRouter keeps instances registered in the callee namespace and
// falls back to the full set for cross-namespace discovery.
type NamespaceRouter struct{}

// NewNamespaceRouter returns the namespace partition router.
func NewNamespaceRouter() *NamespaceRouter { return &NamespaceRouter{} }

// Name implements plugin.Plugin.
func (r *NamespaceRouter) Name() string { return config.RouterNamespace }

// Type implements plugin.Plugin.
func (r *NamespaceRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *NamespaceRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *NamespaceRouter) Enable(routeInfo *RouteInfo, _ *types.ServiceInstances) bool {
	return routeInfo.DestService.Namespace != ""
}

// Filter implements ServiceRouter.
func (r *NamespaceRouter) Filter(_ context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	matched := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		if ins.Key.Namespace == "" || ins.Key.Namespace == routeInfo.DestService.Namespace {
			matched = append(matched, ins)
		}
	}
	if len(matched) == 0 || len(matched) == len(instances.Instances) {
		return instances, nil
	}
	return instances.WithInstances(matched), nil
}
