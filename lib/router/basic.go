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

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// IsolatedRouter drops instances flagged isolated.
type IsolatedRouter struct{}

// NewIsolatedRouter returns the isolation filter.
func NewIsolatedRouter() *IsolatedRouter { return &IsolatedRouter{} }

// Name implements plugin.Plugin.
func (r *IsolatedRouter) Name() string { return config.RouterIsolated }

// Type implements plugin.Plugin.
func (r *IsolatedRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *IsolatedRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *IsolatedRouter) Enable(*RouteInfo, *types.ServiceInstances) bool { return true }

// Filter implements ServiceRouter.
func (r *IsolatedRouter) Filter(_ context.Context, _ *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	kept := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		if !ins.Isolated {
			kept = append(kept, ins)
		}
	}
	if len(kept) == len(instances.Instances) {
		return instances, nil
	}
	return instances.WithInstances(kept), nil
}

// RecoverRouter drops unhealthy instances, but falls back to the original
// set when that would leave nothing (all-dead-all-alive).
type RecoverRouter struct{}

// NewRecoverRouter returns the health filter.
func NewRecoverRouter() *RecoverRouter { return &RecoverRouter{} }

// Name implements plugin.Plugin.
func (r *RecoverRouter) Name() string { return config.RouterRecover }

// Type implements plugin.Plugin.
func (r *RecoverRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *RecoverRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *RecoverRouter) Enable(*RouteInfo, *types.ServiceInstances) bool { return true }

// Filter implements ServiceRouter.
func (r *RecoverRouter) Filter(_ context.Context, _ *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	healthy := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		if ins.Healthy {
			healthy = append(healthy, ins)
		}
	}
	if len(healthy) == 0 {
		return instances, nil
	}
	if len(healthy) == len(instances.Instances) {
		return instances, nil
	}
	return instances.WithInstances(healthy), nil
}
