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
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// MetadataRouter keeps instances whose metadata is a superset of the
// request metadata, with a configurable fallback when nothing matches.
type MetadataRouter struct{}

// NewMetadataRouter returns the metadata matcher.
func NewMetadataRouter() *MetadataRouter { return &MetadataRouter{} }

// Name implements plugin.Plugin.
func (r *MetadataRouter) Name() string { return config.RouterMetadata }

// Type implements plugin.Plugin.
func (r *MetadataRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *MetadataRouter) Destroy() error { return nil }

// Enable implements ServiceRouter. The router only runs when the request
// carries metadata.
func (r *MetadataRouter) Enable(routeInfo *RouteInfo, _ *types.ServiceInstances) bool {
	return len(routeInfo.Metadata) > 0
}

// Filter implements ServiceRouter.
func (r *MetadataRouter) Filter(_ context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	matched := make([]*types.Instance, 0, len(instances.Instances))
	for _, ins := range instances.Instances {
		if supersetOf(ins.Metadata, routeInfo.Metadata) {
			matched = append(matched, ins)
		}
	}
	if len(matched) > 0 {
		return instances.WithInstances(matched), nil
	}

	switch routeInfo.MetadataFailover {
	case FailoverAll:
		return instances, nil
	case FailoverNoKey:
		unkeyed := make([]*types.Instance, 0, len(instances.Instances))
		for _, ins := range instances.Instances {
			if containsNone(ins.Metadata, routeInfo.Metadata) {
				unkeyed = append(unkeyed, ins)
			}
		}
		return instances.WithInstances(unkeyed), nil
	default:
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeMetadataMismatch,
			"no instance of %s matches metadata %v", routeInfo.DestService, routeInfo.Metadata))
	}
}

func supersetOf(have, want map[string]string) bool {
	for key, value := range want {
		if have[key] != value {
			return false
		}
	}
	return true
}

func containsNone(have, want map[string]string) bool {
	for key := range want {
		if _, ok := have[key]; ok {
			return false
		}
	}
	return true
}
