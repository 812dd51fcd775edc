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

// Package plugin implements the name-keyed registry of typed SDK plugins.
// The container is populated once during SDK context init and is read-only
// afterwards.
package plugin

import (
	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

// Type enumerates the plugin kinds known to the SDK.
type Type int

const (
	// TypeServerConnector talks to a control plane cluster.
	TypeServerConnector Type = iota
	// TypeLocalCache is the resource cache implementation.
	TypeLocalCache
	// TypeServiceRouter filters instance sets.
	TypeServiceRouter
	// TypeLoadBalancer picks one instance from a set.
	TypeLoadBalancer
	// TypeCircuitBreaker guards outbound calls.
	TypeCircuitBreaker
	// TypeRateLimiter allocates quotas.
	TypeRateLimiter
	// TypeLocationProvider resolves the client location.
	TypeLocationProvider
	// TypeConfigFilter transforms config file content on the way in and out.
	TypeConfigFilter
	// TypeLosslessPolicy implements graceful register/deregister.
	TypeLosslessPolicy
	// TypeStatReporter consumes call statistics.
	TypeStatReporter

	typeCount
)

var typeNames = map[Type]string{
	TypeServerConnector:  "server_connector",
	TypeLocalCache:       "local_cache",
	TypeServiceRouter:    "service_router",
	TypeLoadBalancer:     "load_balancer",
	TypeCircuitBreaker:   "circuit_breaker",
	TypeRateLimiter:      "rate_limiter",
	TypeLocationProvider: "location_provider",
	TypeConfigFilter:     "config_filter",
	TypeLosslessPolicy:   "lossless_policy",
	TypeStatReporter:     "stat_reporter",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Plugin is the capability set every plugin implements.
type Plugin interface {
	// Name is the registry key of the plugin.
	Name() string
	// Type is the plugin kind.
	Type() Type
	// Destroy releases plugin resources. Called once on context teardown.
	Destroy() error
}

// Container holds all registered plugins in kind-keyed name maps.
type Container struct {
	plugins [typeCount]map[string]Plugin
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	c := &Container{}
	for i := range c.plugins {
		c.plugins[i] = make(map[string]Plugin)
	}
	return c
}

// Register adds a plugin under its declared type and name. Registration is
// one-shot during init; duplicate names are a config error.
func (c *Container) Register(p Plugin) error {
	t := p.Type()
	if t < 0 || t >= typeCount {
		return trace.Wrap(types.NewPolarisError(types.ErrCodePluginError, "plugin %q declares unknown type %d", p.Name(), t))
	}
	if _, ok := c.plugins[t][p.Name()]; ok {
		return trace.Wrap(types.NewPolarisError(types.ErrCodePluginError, "duplicate %s plugin %q", t, p.Name()))
	}
	c.plugins[t][p.Name()] = p
	return nil
}

// Get returns the plugin registered under (t, name).
func (c *Container) Get(t Type, name string) (Plugin, error) {
	if t < 0 || t >= typeCount {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodePluginError, "unknown plugin type %d", t))
	}
	p, ok := c.plugins[t][name]
	if !ok {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodePluginError, "no %s plugin named %q", t, name))
	}
	return p, nil
}

// All returns every plugin of the given type in registration-independent
// order.
func (c *Container) All(t Type) []Plugin {
	if t < 0 || t >= typeCount {
		return nil
	}
	out := make([]Plugin, 0, len(c.plugins[t]))
	for _, p := range c.plugins[t] {
		out = append(out, p)
	}
	return out
}

// DestroyAll tears down every registered plugin, aggregating errors.
func (c *Container) DestroyAll() error {
	var errs []error
	for t := range c.plugins {
		for _, p := range c.plugins[t] {
			if err := p.Destroy(); err != nil {
				errs = append(errs, trace.Wrap(err))
			}
		}
	}
	return trace.NewAggregate(errs...)
}
