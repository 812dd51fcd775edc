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

// Package router implements the before/core/after service router chain and
// the built-in routers: isolation and health filtering, metadata matching
// with failover, nearby routing by location level, rule based routing and
// the partition routers (set, canary, lane, namespace).
package router

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// MetadataFailover selects the fallback of the metadata router when the
// intersection is empty.
type MetadataFailover int

const (
	// FailoverNone surfaces MetadataMismatch.
	FailoverNone MetadataFailover = iota
	// FailoverAll returns every instance.
	FailoverAll
	// FailoverNoKey returns instances carrying none of the requested keys.
	FailoverNoKey
)

// RouteInfo carries the per-request routing inputs.
type RouteInfo struct {
	// SourceService identifies the caller, optional.
	SourceService types.ServiceKey
	// DestService identifies the callee.
	DestService types.ServiceKey
	// Metadata is matched by the metadata router.
	Metadata map[string]string
	// MetadataFailover selects the empty-intersection fallback.
	MetadataFailover MetadataFailover
	// TrafficLabels are matched by rule sources and the partition routers.
	TrafficLabels map[string]string
	// Canary selects a canary partition when set.
	Canary string
	// SetName pins traffic to a deployment set when set.
	SetName string
	// ExternalParameterSupplier resolves Variable match values not found in
	// the process environment.
	ExternalParameterSupplier func(name string) (string, bool)
}

// label returns a traffic label value.
func (r *RouteInfo) label(key string) (string, bool) {
	value, ok := r.TrafficLabels[key]
	return value, ok
}

// ServiceRouter filters an instance snapshot. Routers are stateless per
// request; rule state comes from the cache.
type ServiceRouter interface {
	plugin.Plugin
	// Enable reports whether the router applies to this request. Disabled
	// routers are skipped by the chain.
	Enable(routeInfo *RouteInfo, instances *types.ServiceInstances) bool
	// Filter returns the routed subset.
	Filter(ctx context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error)
}

// Chain evaluates before, core and after router lists left to right,
// feeding each stage's output into the next.
type Chain struct {
	before []ServiceRouter
	core   []ServiceRouter
	after  []ServiceRouter
	log    *slog.Logger
}

// NewChain builds a chain from resolved routers.
func NewChain(before, core, after []ServiceRouter, log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		before: before,
		core:   core,
		after:  after,
		log:    log.With(polaris.ComponentKey, polaris.ComponentRouter),
	}
}

// ProcessRouteRequest runs the chain. An empty result from any stage stops
// evaluation with RouteRuleNotMatch.
func (c *Chain) ProcessRouteRequest(ctx context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	if instances.IsEmpty() {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInstanceNotFound, "no instances for %s", routeInfo.DestService))
	}
	current := instances
	for _, stage := range [][]ServiceRouter{c.before, c.core, c.after} {
		for _, r := range stage {
			if !r.Enable(routeInfo, current) {
				continue
			}
			routed, err := r.Filter(ctx, routeInfo, current)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if routed.IsEmpty() {
				return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeRouteRuleNotMatch,
					"router %s produced no instances for %s", r.Name(), routeInfo.DestService))
			}
			current = routed
		}
	}
	return current, nil
}
