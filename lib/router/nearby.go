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
	"strings"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// MatchLevel orders location proximity, coarsest first.
type MatchLevel int

const (
	// LevelAll matches every instance.
	LevelAll MatchLevel = iota
	// LevelRegion requires a region match.
	LevelRegion
	// LevelZone requires a zone match.
	LevelZone
	// LevelCampus requires a campus match.
	LevelCampus
)

// ParseMatchLevel maps a config string to a MatchLevel.
func ParseMatchLevel(s string) (MatchLevel, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return LevelAll, nil
	case "region":
		return LevelRegion, nil
	case "zone":
		return LevelZone, nil
	case "campus":
		return LevelCampus, nil
	}
	return LevelAll, trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "unknown nearby match level %q", s))
}

// NearbyRouterConfig configures the nearby router.
type NearbyRouterConfig struct {
	// MatchLevel is the starting proximity requirement.
	MatchLevel MatchLevel
	// MaxMatchLevel bounds the fallback walk toward coarser levels.
	MaxMatchLevel MatchLevel
	// StrictNearby fails requests while the client location is unresolved.
	StrictNearby bool
	// EnableDegradeByUnhealthyPercent expands to the next level when the
	// healthy share at the current level is below UnhealthyPercentToDegrade.
	EnableDegradeByUnhealthyPercent bool
	UnhealthyPercentToDegrade       int
	// ClientLocation resolves the current client location.
	ClientLocation func() types.Location
}

// NewNearbyRouterConfig derives the router config from the consumer
// section.
func NewNearbyRouterConfig(cfg config.ServiceRouterConfig, clientLocation func() types.Location) (NearbyRouterConfig, error) {
	matchLevel, err := ParseMatchLevel(cfg.NearbyMatchLevel)
	if err != nil {
		return NearbyRouterConfig{}, trace.Wrap(err)
	}
	maxLevel, err := ParseMatchLevel(cfg.NearbyMaxMatchLevel)
	if err != nil {
		return NearbyRouterConfig{}, trace.Wrap(err)
	}
	return NearbyRouterConfig{
		MatchLevel:                      matchLevel,
		MaxMatchLevel:                   maxLevel,
		StrictNearby:                    cfg.StrictNearby,
		EnableDegradeByUnhealthyPercent: cfg.EnableDegradeByUnhealthyPercent,
		UnhealthyPercentToDegrade:       cfg.UnhealthyPercentToDegrade,
		ClientLocation:                  clientLocation,
	}, nil
}

// NearbyRouter scores instances by location proximity and returns the
// finest non-empty level between MatchLevel and MaxMatchLevel.
type NearbyRouter struct {
	cfg NearbyRouterConfig
}

// NewNearbyRouter builds the router.
func NewNearbyRouter(cfg NearbyRouterConfig) *NearbyRouter {
	if cfg.ClientLocation == nil {
		cfg.ClientLocation = func() types.Location { return types.Location{} }
	}
	if cfg.UnhealthyPercentToDegrade <= 0 {
		cfg.UnhealthyPercentToDegrade = 100
	}
	return &NearbyRouter{cfg: cfg}
}

// Name implements plugin.Plugin.
func (r *NearbyRouter) Name() string { return config.RouterNearby }

// Type implements plugin.Plugin.
func (r *NearbyRouter) Type() plugin.Type { return plugin.TypeServiceRouter }

// Destroy implements plugin.Plugin.
func (r *NearbyRouter) Destroy() error { return nil }

// Enable implements ServiceRouter.
func (r *NearbyRouter) Enable(*RouteInfo, *types.ServiceInstances) bool { return true }

// matches reports proximity at one level.
func matchesLevel(level MatchLevel, client, instance types.Location) bool {
	switch level {
	case LevelCampus:
		return client.Region == instance.Region && client.Zone == instance.Zone && client.Campus == instance.Campus
	case LevelZone:
		return client.Region == instance.Region && client.Zone == instance.Zone
	case LevelRegion:
		return client.Region == instance.Region
	default:
		return true
	}
}

// Filter implements ServiceRouter. The walk starts at MatchLevel and
// coarsens toward MaxMatchLevel until a level yields instances.
func (r *NearbyRouter) Filter(_ context.Context, routeInfo *RouteInfo, instances *types.ServiceInstances) (*types.ServiceInstances, error) {
	client := r.cfg.ClientLocation()
	if client.IsEmpty() {
		if r.cfg.StrictNearby {
			return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeLocationMismatch,
				"client location unresolved and strict nearby routing is enabled"))
		}
		return instances, nil
	}
	if r.cfg.MaxMatchLevel > r.cfg.MatchLevel {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeLocationMismatch,
			"max match level is finer than match level"))
	}
	for level := r.cfg.MatchLevel; level >= r.cfg.MaxMatchLevel; level-- {
		matched := make([]*types.Instance, 0, len(instances.Instances))
		healthy := 0
		for _, ins := range instances.Instances {
			if matchesLevel(level, client, ins.Location) {
				matched = append(matched, ins)
				if ins.Healthy {
					healthy++
				}
			}
		}
		if len(matched) == 0 {
			continue
		}
		if r.cfg.EnableDegradeByUnhealthyPercent && level > r.cfg.MaxMatchLevel {
			unhealthyPercent := (len(matched) - healthy) * 100 / len(matched)
			if unhealthyPercent >= r.cfg.UnhealthyPercentToDegrade {
				continue
			}
		}
		return instances.WithInstances(matched), nil
	}
	return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeLocationMismatch,
		"no instance of %s within nearby levels", routeInfo.DestService))
}
