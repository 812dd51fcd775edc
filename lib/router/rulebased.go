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
	"math/rand/v2"
	"sort"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// MatchAll is the wildcard accepted by rule namespace and service fields.
const MatchAll = "*"

// RoutingSupplier fetches the routing rules of a service, typically from
// the resource cache.
type RoutingSupplier func(ctx context.Context, key types.ServiceKey) (*polarispb.Routing, error)

// RuleBasedRouterConfig configures the rule based router.
type RuleBasedRouterConfig struct {
	// Routing resolves rules per service.
	Routing RoutingSupplier
	// FailoverPolicy decides what a caller that matches no route gets:
	// config.RuleFailoverAll keeps the full instance set,
	// config.RuleFailoverNone returns an empty one.
	FailoverPolicy string
	// Rand draws a value in [0, n). Tests inject a deterministic one.
	Rand func(n uint64) uint64
}

// RuleBasedRouter routes by server-pushed rules. The callee's inbound
// rules take precedence over the caller's outbound rules.
type RuleBasedRouter struct {
	cfg RuleBasedRouterConfig
}

// NewRuleBasedRouter builds the router.
func NewRuleBasedRouter(cfg RuleBasedRouterConfig) *RuleBasedRouter {
	if cfg.Rand == nil {
		cfg.Rand = rand.Uint64N
	}
	return &RuleBasedRouter{cfg: cfg}
}

// Name implements plugin.Plugin.
func (r *RuleBasedRouter) Name() string { return config.RouterRuleBased }

// Type implements plugin.Plugin.
func (r *RuleBasedRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *RuleBasedRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *RuleBasedRouter) Enable(*RouteInfo, *types.ServiceInstances) bool {
	return r.cfg.Routing != nil
}

// Filter implements ServiceRouter.
func (r *RuleBasedRouter) Filter(ctx context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	routes, err := r.applicableRoutes(ctx, routeInfo)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(routes) == 0 {
		return instances, nil
	}
	for _, route := range routes {
		if !r.sourcesMatch(route.Sources, routeInfo) {
			continue
		}
		routed := r.selectDestination(route.Destinations, routeInfo, instances)
		// The first route whose sources match decides the outcome even when
		// its destinations select nothing.
		return routed, nil
	}
	// No route matched the caller: the failover policy decides.
	if r.cfg.FailoverPolicy == config.RuleFailoverNone {
		return instances.WithInstances(nil), nil
	}
	return instances, nil
}

// applicableRoutes returns the callee inbounds when present, otherwise the
// caller outbounds.
func (r *RuleBasedRouter) applicableRoutes(ctx context.Context, routeInfo *RouteInfo) ([]*polarispb.Route, error) {
	destRouting, err := r.cfg.Routing(ctx, routeInfo.DestService)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if destRouting != nil && len(destRouting.Inbounds) > 0 {
		return destRouting.Inbounds, nil
	}
	if routeInfo.SourceService.Service == "" {
		return nil, nil
	}
	srcRouting, err := r.cfg.Routing(ctx, routeInfo.SourceService)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if srcRouting == nil {
		return nil, nil
	}
	outbounds := make([]*polarispb.Route, 0, len(srcRouting.Outbounds))
	for _, route := range srcRouting.Outbounds {
		if r.routeTargets(route, routeInfo.DestService) {
			outbounds = append(outbounds, route)
		}
	}
	return outbounds, nil
}

// routeTargets reports whether any destination of the route names the
// callee service.
func (r *RuleBasedRouter) routeTargets(route *polarispb.Route, dest types.ServiceKey) bool {
	for _, d := range route.Destinations {
		if serviceMatches(d.Namespace, d.Service, dest) {
			return true
		}
	}
	return false
}

func serviceMatches(namespace, service string, key types.ServiceKey) bool {
	nsOK := namespace == "" || namespace == MatchAll || namespace == key.Namespace
	svcOK := service == "" || service == MatchAll || service == key.Service
	return nsOK && svcOK
}

// sourcesMatch reports whether the caller matches any source of the route.
// A route without sources matches everything.
func (r *RuleBasedRouter) sourcesMatch(sources []*polarispb.Source, routeInfo *RouteInfo) bool {
	if len(sources) == 0 {
		return true
	}
	for _, src := range sources {
		if !serviceMatches(src.Namespace, src.Service, routeInfo.SourceService) {
			continue
		}
		if matchMetadata(src.Metadata, routeInfo.TrafficLabels, routeInfo) {
			return true
		}
	}
	return false
}

// selectDestination partitions the instances by destination matchers, walks
// priority groups lowest value first and draws one destination by weight
// inside the first group that selects anything.
func (r *RuleBasedRouter) selectDestination(destinations []*polarispb.Destination, routeInfo *RouteInfo, instances *types.ServiceInstances) *types.ServiceInstances {
	type subset struct {
		dest      *polarispb.Destination
		instances []*types.Instance
	}
	byPriority := make(map[uint32][]subset)
	priorities := make([]uint32, 0, len(destinations))
	for _, dest := range destinations {
		if dest.Isolate {
			continue
		}
		if !serviceMatches(dest.Namespace, dest.Service, routeInfo.DestService) {
			continue
		}
		matched := make([]*types.Instance, 0, len(instances.Instances))
		for _, ins := range instances.Instances {
			if matchMetadata(dest.Metadata, ins.Metadata, routeInfo) {
				matched = append(matched, ins)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if _, seen := byPriority[dest.Priority]; !seen {
			priorities = append(priorities, dest.Priority)
		}
		byPriority[dest.Priority] = append(byPriority[dest.Priority], subset{dest: dest, instances: matched})
	}
	if len(priorities) == 0 {
		return instances.WithInstances(nil)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })
	group := byPriority[priorities[0]]
	if len(group) == 1 {
		return instances.WithInstances(group[0].instances)
	}
	var totalWeight uint64
	for _, s := range group {
		totalWeight += uint64(s.dest.Weight)
	}
	if totalWeight == 0 {
		return instances.WithInstances(group[int(r.cfg.Rand(uint64(len(group))))].instances)
	}
	point := r.cfg.Rand(totalWeight)
	for _, s := range group {
		if point < uint64(s.dest.Weight) {
			return instances.WithInstances(s.instances)
		}
		point -= uint64(s.dest.Weight)
	}
	return instances.WithInstances(group[len(group)-1].instances)
}
